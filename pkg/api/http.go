package api

import (
	"net/http"

	"chatstream/pkg/api/handlers"
	"chatstream/pkg/auth"

	"github.com/gorilla/mux"
)

// requireSenderOnWrites applies sender verification to mutating requests
// only; reads are open to any authenticated role.
func requireSenderOnWrites(next http.Handler) http.Handler {
	verified := auth.RequireSender(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			verified.ServeHTTP(w, r)
		}
	})
}

// Handler builds the versioned API router. The gateway middleware
// (authentication, CORS, rate limiting) wraps this handler at the app
// level.
func Handler(d handlers.Deps) http.Handler {
	handlers.Configure(d)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(requireSenderOnWrites)

	handlers.RegisterChannels(v1)
	handlers.RegisterMessages(v1)
	handlers.RegisterTail(v1)
	handlers.RegisterWS(v1)
	return r
}
