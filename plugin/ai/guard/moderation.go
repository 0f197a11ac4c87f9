package guard

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gaplens/gaplens/internal/errors"
)

// Classifier decides whether content is acceptable. Implementations may call
// an external moderation API or run local rules.
type Classifier interface {
	// Classify returns a non-empty category when the content is rejected.
	Classify(ctx context.Context, content string) (category string, err error)
}

// ContentModerator rejects disallowed content before generation.
type ContentModerator struct {
	classifier Classifier
}

// NewContentModerator creates a moderator around the given classifier.
// A nil classifier disables moderation.
func NewContentModerator(classifier Classifier) *ContentModerator {
	return &ContentModerator{classifier: classifier}
}

// Check returns a CONTENT_REJECTED error when the classifier flags the
// message. Classifier failures are not fatal: moderation outages must not
// take the pipeline down, so the message passes and the caller logs it.
func (m *ContentModerator) Check(ctx context.Context, content string) error {
	if m.classifier == nil {
		return nil
	}
	category, err := m.classifier.Classify(ctx, content)
	if err != nil {
		slog.Warn("content classifier unavailable, message passed through", "error", err)
		return nil
	}
	if category != "" {
		return errors.ContentRejected("message was rejected: " + category)
	}
	return nil
}

// KeywordClassifier is a local rule-based Classifier matching whole terms
// against a blocklist. It is the default when no external moderation API is
// configured.
type KeywordClassifier struct {
	blocked map[string]string
}

// NewKeywordClassifier creates a classifier from category => terms.
func NewKeywordClassifier(categories map[string][]string) *KeywordClassifier {
	blocked := make(map[string]string)
	for category, terms := range categories {
		for _, term := range terms {
			blocked[strings.ToLower(term)] = category
		}
	}
	return &KeywordClassifier{blocked: blocked}
}

func (c *KeywordClassifier) Classify(_ context.Context, content string) (string, error) {
	for _, word := range strings.Fields(strings.ToLower(content)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if category, ok := c.blocked[word]; ok {
			return category, nil
		}
	}
	return "", nil
}
