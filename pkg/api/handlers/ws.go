package handlers

import (
	"net/http"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RegisterWS registers the WebSocket tail route on the provided router.
func RegisterWS(r *mux.Router) {
	r.HandleFunc("/channels/{channelID}/ws", wsChannel).Methods(http.MethodGet)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the gateway middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsChannel handles GET /v1/channels/{channelID}/ws, upgrading to a
// WebSocket that carries the same change events as the SSE tail. The
// client is read only for control frames; sends from clients go through
// the REST API.
func wsChannel(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelID"]
	if _, err := store.GetChannel(channelID); err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "channel", channelID, "error", err)
		return
	}

	after := r.URL.Query().Get("after")
	sub := deps.Hub.Subscribe(channelID, after)

	// reader pump: discard client frames, surface close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription dropped"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
