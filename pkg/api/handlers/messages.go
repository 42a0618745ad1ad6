package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"chatstream/pkg/auth"
	"chatstream/pkg/ingest"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"
	"chatstream/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterMessages registers message routes on the provided router.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/channels/{channelID}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/channels/{channelID}/messages", listMessages).Methods(http.MethodGet)

	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", updateMessage).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id}", deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/versions", listMessageVersions).Methods(http.MethodGet)
}

// record pairs a message with its store-native cursor so clients can page
// backwards from any point.
type record struct {
	Cursor  string         `json:"cursor"`
	Message models.Message `json:"message"`
}

func toRecords(recs []store.Stored) []record {
	out := make([]record, 0, len(recs))
	for _, r := range recs {
		out = append(out, record{Cursor: r.Cursor, Message: r.Msg})
	}
	return out
}

// createMessage handles POST /v1/channels/{channelID}/messages. Validation
// and moderation run on the request path; the durable write goes through
// the ingest queue and the handler answers 202 with the assigned id.
func createMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["channelID"]
	if _, err := store.GetChannel(channelID); err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m.Channel = channelID

	sender, code, msg := auth.ResolveSender(r, auth.Identity{ID: m.SenderID, Name: m.SenderName, PhotoURL: m.SenderPhotoURL})
	if code != 0 {
		utils.JSONError(w, code, msg)
		return
	}
	m.SenderID = sender.ID
	if sender.Name != "" {
		m.SenderName = sender.Name
	}
	if sender.PhotoURL != "" {
		m.SenderPhotoURL = sender.PhotoURL
	}

	m.Text = strings.TrimSpace(m.Text)
	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if deps.Filter != nil && deps.Filter.ContainsProfanity(m.Text) {
		logger.Info("message_rejected", "channel", channelID, "sender", m.SenderID)
		utils.JSONError(w, http.StatusBadRequest, "message rejected by moderation")
		return
	}
	if m.ID == "" {
		m.ID = utils.GenMsgID()
	}
	m.Status = ""

	payload, err := json.Marshal(m)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "marshal failed")
		return
	}
	if err := deps.Queue.TryEnqueueBytes(ingest.OpCreate, channelID, m.ID, payload); err != nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "write queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": m.ID})
}

// listMessages handles GET /v1/channels/{channelID}/messages.
//
// Query parameters:
//   - limit: page size (default from config)
//   - before: exclusive cursor; returns the page immediately older
//   - after: exclusive cursor; returns the page immediately newer
//
// Without a cursor the newest page is returned. Results are always in
// ascending store order and has_more reports whether older history remains.
func listMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	channelID := mux.Vars(r)["channelID"]
	limit := deps.PageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	before := r.URL.Query().Get("before")
	after := r.URL.Query().Get("after")
	if before != "" && after != "" {
		utils.JSONError(w, http.StatusBadRequest, "before and after are mutually exclusive")
		return
	}

	var (
		recs []store.Stored
		err  error
	)
	switch {
	case before != "":
		recs, err = store.FetchNBefore(channelID, before, limit)
	case after != "":
		recs, err = store.FetchNAfter(channelID, after, limit)
	default:
		recs, err = store.FetchLastN(channelID, limit)
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := false
	if len(recs) > 0 && after == "" {
		// full page implies there may be older history behind the oldest
		hasMore = len(recs) == limit
	}
	_ = json.NewEncoder(w).Encode(struct {
		Channel  string   `json:"channel"`
		Messages []record `json:"messages"`
		HasMore  bool     `json:"has_more"`
	}{Channel: channelID, Messages: toRecords(recs), HasMore: hasMore})
}

// getMessage handles GET /v1/messages/{id}, returning the latest version.
func getMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	m, err := store.GetLatestMessage(id)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m.Deleted && r.Header.Get("X-Role-Name") == "frontend" {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	_ = json.NewEncoder(w).Encode(m)
}

// listMessageVersions handles GET /v1/messages/{id}/versions.
func listMessageVersions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	versions, err := store.ListMessageVersions(id)
	if err == store.ErrNotFound || len(versions) == 0 {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		ID       string           `json:"id"`
		Versions []models.Message `json:"versions"`
	}{ID: id, Versions: versions})
}

// requireOwnership loads the message and verifies the caller may mutate it.
// Frontend callers must be the original sender; backend and admin pass.
func requireOwnership(w http.ResponseWriter, r *http.Request, id string) (models.Message, bool) {
	m, err := store.GetLatestMessage(id)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return models.Message{}, false
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return models.Message{}, false
	}
	role := r.Header.Get("X-Role-Name")
	if role == "backend" || role == "admin" {
		return m, true
	}
	ident, ok := auth.SenderFromContext(r.Context())
	if !ok || ident.ID != m.SenderID {
		utils.JSONError(w, http.StatusForbidden, "not the message sender")
		return models.Message{}, false
	}
	return m, true
}

// updateMessage handles PUT /v1/messages/{id}. Only the text may change;
// the edit keeps the message's position in the channel log.
func updateMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	cur, ok := requireOwnership(w, r, id)
	if !ok {
		return
	}
	if cur.Deleted {
		utils.JSONError(w, http.StatusConflict, "message deleted")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		utils.JSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	probe := cur
	probe.Text = body.Text
	if err := validation.ValidateMessage(probe); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if deps.Filter != nil && deps.Filter.ContainsProfanity(body.Text) {
		utils.JSONError(w, http.StatusBadRequest, "message rejected by moderation")
		return
	}

	payload, _ := json.Marshal(map[string]string{"text": body.Text})
	if err := deps.Queue.TryEnqueueBytes(ingest.OpUpdate, cur.Channel, id, payload); err != nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "write queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// deleteMessage handles DELETE /v1/messages/{id}.
func deleteMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := mux.Vars(r)["id"]
	cur, ok := requireOwnership(w, r, id)
	if !ok {
		return
	}
	if cur.Deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := deps.Queue.TryEnqueueBytes(ingest.OpDelete, cur.Channel, id, nil); err != nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "write queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
