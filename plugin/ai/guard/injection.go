package guard

import (
	"regexp"
	"strings"

	"github.com/gaplens/gaplens/internal/errors"
)

// InjectionDetector screens messages for prompt-injection attempts before
// they are embedded into the model prompt.
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// injectionPatterns cover the common jailbreak phrasings. Matching is done on
// the lowercased message so the patterns stay simple.
var injectionPatterns = []string{
	`ignore\s+((all|any|previous|prior|above|earlier|your)\s+)+(instructions?|prompts?|rules?)`,
	`disregard\s+((all|any|previous|prior|above|earlier|your)\s+)+(instructions?|prompts?|rules?)`,
	`forget\s+((all|any|previous|prior|above|earlier|your)\s+)+(instructions?|prompts?|rules?)`,
	`(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions?)`,
	`you\s+are\s+(now|no\s+longer)\s+`,
	`act\s+as\s+(if\s+you\s+(are|were)|a)\s+`,
	`pretend\s+(to\s+be|you\s+are)\s+`,
	`new\s+(system\s+)?instructions?\s*:`,
	`\bsystem\s*:\s*`,
	`\bjailbreak\b`,
	`\bdan\s+mode\b`,
	`override\s+(your\s+)?(safety|content|moderation)`,
}

// NewInjectionDetector compiles the built-in pattern set.
func NewInjectionDetector() *InjectionDetector {
	patterns := make([]*regexp.Regexp, 0, len(injectionPatterns))
	for _, p := range injectionPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &InjectionDetector{patterns: patterns}
}

// Check returns an INJECTION_DETECTED error when the message matches a known
// injection pattern. The error message is generic so callers never leak which
// pattern fired.
func (d *InjectionDetector) Check(content string) error {
	lower := strings.ToLower(content)
	for _, p := range d.patterns {
		if p.MatchString(lower) {
			return errors.InjectionDetected()
		}
	}
	return nil
}

// Matches reports whether the message would be rejected, without building
// an error. Used by metrics and tests.
func (d *InjectionDetector) Matches(content string) bool {
	return d.Check(content) != nil
}
