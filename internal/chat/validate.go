package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that outbound message content meets requirements.
// Empty-after-trim content is ErrEmptyMessage; oversized or malformed
// content gets a descriptive error.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}
