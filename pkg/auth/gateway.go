package auth

import (
	"net"
	"net/http"
	"strings"

	"chatstream/pkg/logger"
	"chatstream/pkg/telemetry"
	"chatstream/pkg/utils"
)

// unauthenticated paths that bypass key checks entirely
func isOpenPath(p string) bool {
	if p == "/healthz" || p == "/readyz" || p == "/metrics" {
		return true
	}
	return strings.HasPrefix(p, "/docs")
}

// frontendAllowed limits frontend-role callers to the channel/message
// surface; admin endpoints stay backend/admin only.
func frontendAllowed(r *http.Request) bool {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/v1/channels"):
		return true
	case strings.HasPrefix(p, "/v1/messages"):
		return true
	default:
		return false
	}
}

func roleName(role Role) string {
	switch role {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	default:
		return "unauth"
	}
}

// AuthenticateRequestMiddleware returns the gateway middleware: CORS,
// optional IP whitelisting, API-key or JWT authentication, role scoping
// and per-caller rate limiting. Handlers behind it can trust the
// X-Role-Name header and the context identity.
func AuthenticateRequestMiddleware(cfg *SecConfig) func(http.Handler) http.Handler {
	limiters := newLimiterPool(cfg.RPS, cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.LogRequest(r)

			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-User-ID, X-User-Signature, X-User-Name, X-User-Photo")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if len(cfg.IPWhitelist) > 0 && !ipWhitelisted(r, cfg.IPWhitelist) {
				logger.Warn("ip_rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			if isOpenPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			role, key, ident := authenticate(r, cfg)
			if role == RoleUnauth {
				utils.JSONError(w, http.StatusUnauthorized, "missing or invalid credentials")
				return
			}
			if role == RoleFrontend && !frontendAllowed(r) {
				logger.Warn("frontend_scope_rejected", "path", r.URL.Path)
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			limKey := key
			if limKey == "" {
				limKey = clientIP(r)
			}
			if !limiters.Allow(limKey) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			r.Header.Set("X-Role-Name", roleName(role))
			if ident != nil {
				r = r.WithContext(WithSender(r.Context(), *ident))
			}
			done := telemetry.StartSpan(r.Context(), "gateway_authenticated")
			defer done()
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves the caller role from, in order, an API key
// (Authorization: Bearer or X-API-Key) matched against the configured key
// sets, then an HS256 JWT bearer token if a secret is configured. JWT
// callers get the frontend role plus a verified sender identity.
func authenticate(r *http.Request, cfg *SecConfig) (Role, string, *Identity) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	if token == "" {
		return RoleUnauth, "", nil
	}
	if _, ok := cfg.AdminKeys[token]; ok {
		return RoleAdmin, token, nil
	}
	if _, ok := cfg.BackendKeys[token]; ok {
		return RoleBackend, token, nil
	}
	if _, ok := cfg.FrontendKeys[token]; ok {
		return RoleFrontend, token, nil
	}
	if cfg.JWTSecret != "" {
		if id, err := ParseIdentity(token, cfg.JWTSecret, cfg.JWTIssuer); err == nil {
			return RoleFrontend, id.ID, &id
		} else {
			logger.Debug("jwt_rejected", "error", err)
		}
	}
	return RoleUnauth, "", nil
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(r *http.Request, whitelist []string) bool {
	ip := clientIP(r)
	for _, w := range whitelist {
		if w == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(w); err == nil {
			if parsed := net.ParseIP(ip); parsed != nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}
