package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"chatstream/pkg/auth"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"
	"chatstream/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterChannels registers channel CRUD routes on the provided router.
func RegisterChannels(r *mux.Router) {
	r.HandleFunc("/channels", createChannel).Methods(http.MethodPost)
	r.HandleFunc("/channels", listChannels).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}", getChannel).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}", deleteChannel).Methods(http.MethodDelete)
}

// createChannel handles POST /v1/channels.
func createChannel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var ch models.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateChannel(ch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ch.ID == "" {
		ch.ID = utils.GenChannelID()
	}
	now := time.Now().UTC().UnixNano()
	if ch.CreatedTS == 0 {
		ch.CreatedTS = now
	}
	ch.UpdatedTS = ch.CreatedTS
	ch.Deleted = false
	ch.DeletedTS = 0

	if err := store.SaveChannel(ch); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("channel_created", "channel", ch.ID)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ch)
}

// listChannels handles GET /v1/channels. Soft-deleted channels are omitted
// unless include_deleted=true (backend/admin only).
func listChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	chans, err := store.ListChannels()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true" &&
		r.Header.Get("X-Role-Name") != "frontend"
	out := make([]models.Channel, 0, len(chans))
	for _, ch := range chans {
		if ch.Deleted && !includeDeleted {
			continue
		}
		out = append(out, ch)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Channels []models.Channel `json:"channels"`
	}{Channels: out})
}

// getChannel handles GET /v1/channels/{id}.
func getChannel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	ch, err := store.GetChannel(id)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "channel not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ch.Deleted && r.Header.Get("X-Role-Name") == "frontend" {
		utils.JSONError(w, http.StatusNotFound, "channel not found")
		return
	}
	_ = json.NewEncoder(w).Encode(ch)
}

// deleteChannel handles DELETE /v1/channels/{id} (soft delete). A tombstone
// system message is appended so open streams see the channel close.
func deleteChannel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	actor := ""
	if ident, ok := auth.SenderFromContext(r.Context()); ok {
		actor = ident.ID
	}
	if err := store.SoftDeleteChannel(id, actor); err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "channel not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("channel_deleted", "channel", id, "actor", actor)
	w.WriteHeader(http.StatusNoContent)
}
