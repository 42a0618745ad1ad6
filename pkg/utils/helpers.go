package utils

import (
	"github.com/google/uuid"
)

// GenMsgID generates a client-style message ID. Senders normally assign IDs
// themselves before the store confirms the write; this is the server-side
// fallback when a caller omitted one.
func GenMsgID() string {
	return "msg-" + uuid.NewString()
}

// GenChannelID generates a unique channel ID.
func GenChannelID() string {
	return "channel-" + uuid.NewString()
}

// Snippet truncates text for reply previews. Runes, not bytes, so multi-byte
// content does not get split mid-character.
func Snippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}
