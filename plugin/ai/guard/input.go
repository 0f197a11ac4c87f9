// Package guard validates and screens user input before it reaches the model.
package guard

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gaplens/gaplens/internal/errors"
)

// DefaultMaxMessageLength is the maximum accepted message length in runes.
const DefaultMaxMessageLength = 2000

// InputGuard sanitizes and validates raw user messages.
type InputGuard struct {
	maxLength int
}

// NewInputGuard creates an InputGuard. maxLength <= 0 falls back to the default.
func NewInputGuard(maxLength int) *InputGuard {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &InputGuard{maxLength: maxLength}
}

// Validate sanitizes the message and returns the cleaned form, or a
// VALIDATION_FAILED error when the message cannot be accepted.
// Length is measured in runes so multi-byte text is not penalized.
func (g *InputGuard) Validate(content string) (string, error) {
	if !utf8.ValidString(content) {
		return "", errors.ValidationFailed("message contains invalid encoding")
	}

	cleaned := stripControlChars(content)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return "", errors.ValidationFailed("message is empty")
	}
	if n := utf8.RuneCountInString(cleaned); n > g.maxLength {
		return "", errors.ValidationFailed("message exceeds maximum length")
	}

	return escapeMarkup(cleaned), nil
}

// stripControlChars removes control characters except newline and tab.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

var markupTags = []string{"<script", "</script", "<iframe", "</iframe"}

// escapeMarkup neutralizes embedded script tags. Content is otherwise stored
// verbatim; rendering-side escaping is the client's job.
func escapeMarkup(s string) string {
	lower := strings.ToLower(s)

	hasTag := false
	for _, tag := range markupTags {
		if strings.Contains(lower, tag) {
			hasTag = true
			break
		}
	}
	if !hasTag {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		escaped := false
		for _, tag := range markupTags {
			if strings.HasPrefix(lower[i:], tag) {
				b.WriteString("&lt;")
				escaped = true
				break
			}
		}
		if !escaped {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
