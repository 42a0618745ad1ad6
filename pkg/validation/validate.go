package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatstream/pkg/models"
)

// Rules bounds incoming message fields. Zero values fall back to defaults.
type Rules struct {
	MaxTextLen    int
	MaxSnippetLen int
	MaxNameLen    int
}

var rules = Rules{
	MaxTextLen:    8 * 1024,
	MaxSnippetLen: 256,
	MaxNameLen:    128,
}

// SetRules installs validation rules (from config) globally.
func SetRules(r Rules) {
	if r.MaxTextLen > 0 {
		rules.MaxTextLen = r.MaxTextLen
	}
	if r.MaxSnippetLen > 0 {
		rules.MaxSnippetLen = r.MaxSnippetLen
	}
	if r.MaxNameLen > 0 {
		rules.MaxNameLen = r.MaxNameLen
	}
}

// ValidateMessage checks an incoming message before it is accepted into the
// write pipeline.
func ValidateMessage(m models.Message) error {
	var errs []string
	if strings.TrimSpace(m.Text) == "" {
		errs = append(errs, "text is required")
	}
	if utf8.RuneCountInString(m.Text) > rules.MaxTextLen {
		errs = append(errs, fmt.Sprintf("text exceeds %d characters", rules.MaxTextLen))
	}
	if m.Channel == "" {
		errs = append(errs, "channel is required")
	}
	if utf8.RuneCountInString(m.SenderName) > rules.MaxNameLen {
		errs = append(errs, fmt.Sprintf("sender_name exceeds %d characters", rules.MaxNameLen))
	}
	if utf8.RuneCountInString(m.ReplyToSnippet) > rules.MaxSnippetLen {
		errs = append(errs, fmt.Sprintf("reply_to_snippet exceeds %d characters", rules.MaxSnippetLen))
	}
	if m.ReplyToSnippet != "" && m.ReplyToID == "" {
		errs = append(errs, "reply_to_snippet requires reply_to_id")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateChannel checks channel metadata on create/update.
func ValidateChannel(ch models.Channel) error {
	var errs []string
	if strings.TrimSpace(ch.Name) == "" {
		errs = append(errs, "name is required")
	}
	if utf8.RuneCountInString(ch.Name) > rules.MaxNameLen {
		errs = append(errs, fmt.Sprintf("name exceeds %d characters", rules.MaxNameLen))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
