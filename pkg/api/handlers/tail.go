package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"chatstream/pkg/live"
	"chatstream/pkg/logger"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterTail registers the SSE tail route on the provided router.
func RegisterTail(r *mux.Router) {
	r.HandleFunc("/channels/{channelID}/tail", tailChannel).Methods(http.MethodGet)
}

const heartbeatInterval = 25 * time.Second

// tailChannel handles GET /v1/channels/{channelID}/tail, a Server-Sent
// Events feed of message change events.
//
// With ?after=<cursor> the stored records past the cursor are replayed
// before live events. The subscription is opened before the replay so
// nothing written in between is missed; a write landing during the replay
// may be delivered twice, so consumers deduplicate by message id.
func tailChannel(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channelID"]
	if _, err := store.GetChannel(channelID); err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	after := r.URL.Query().Get("after")
	sub := deps.Hub.Subscribe(channelID, after)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev live.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// replay stored records past the cursor, page by page
	if after != "" {
		cursor := after
		for {
			recs, err := store.FetchNAfter(channelID, cursor, deps.PageSize)
			if err != nil {
				logger.Warn("tail_backfill_failed", "channel", channelID, "error", err)
				break
			}
			for _, rec := range recs {
				if !writeEvent(live.Event{Type: live.EventInserted, Msg: rec.Msg, Cursor: rec.Cursor}) {
					return
				}
				cursor = rec.Cursor
			}
			if len(recs) < deps.PageSize {
				break
			}
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return // dropped for falling behind, or hub shutdown
			}
			if !writeEvent(ev) {
				return
			}
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
