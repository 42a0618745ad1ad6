package models

// Message status values. An empty status means the message is confirmed
// (it originates from the store); the other two only ever appear on locally
// originated messages that have not been acknowledged yet.
const (
	StatusSending = "sending"
	StatusError   = "error"
)

type Message struct {
	// ID is assigned client-side at creation time so the sender can
	// reference the message before the store confirms the write.
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Text    string `json:"text,omitempty"`

	// Sender attribution, captured at send time and never re-resolved.
	SenderID       string `json:"sender_id,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	SenderPhotoURL string `json:"sender_photo_url,omitempty"`

	// CreatedTS is the authoritative server timestamp (ns) assigned at
	// store write time. Zero while a local echo is still pending.
	CreatedTS int64 `json:"created_ts,omitempty"`
	EditedTS  int64 `json:"edited_ts,omitempty"`

	// Optional denormalized snapshot of a replied-to message. Captured at
	// reply-send time; not kept in sync if the original later changes.
	ReplyToID         string `json:"reply_to_id,omitempty"`
	ReplyToSnippet    string `json:"reply_to_snippet,omitempty"`
	ReplyToSenderName string `json:"reply_to_sender_name,omitempty"`
	ReplyToSenderID   string `json:"reply_to_sender_id,omitempty"`

	// Status is "" (confirmed), "sending" or "error". Only meaningful on a
	// client-side view; stored records never carry it.
	Status string `json:"status,omitempty"`

	// Deleted flag; deletion appends a tombstone version under the same ID.
	Deleted bool `json:"deleted,omitempty"`
}

// Confirmed reports whether the message originates from the store.
func (m Message) Confirmed() bool { return m.Status == "" }
