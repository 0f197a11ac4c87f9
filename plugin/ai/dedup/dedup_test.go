package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"What is the biggest gap?", "what is the biggest gap"},
		{"  WHAT   IS the biggest GAP??? ", "what is the biggest gap"},
		{"pricing, features, and support", "pricing features and support"},
		{"", ""},
		{"?!.,;", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.input), "input: %q", tt.input)
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{
			name: "identical text",
			a:    "what is the biggest gap",
			b:    "what is the biggest gap",
			min:  1.0, max: 1.0,
		},
		{
			name: "identical after normalization",
			a:    "What is the biggest gap?",
			b:    "what IS the biggest gap!!",
			min:  1.0, max: 1.0,
		},
		{
			name: "rephrased question scores high",
			a:    "what is the biggest gap in the market",
			b:    "what is the biggest gap in this market",
			min:  0.7, max: 0.99,
		},
		{
			name: "unrelated questions score low",
			a:    "what is the biggest gap in the market",
			b:    "how do competitors structure pricing tiers",
			min:  0, max: 0.2,
		},
		{
			name: "empty side scores zero",
			a:    "",
			b:    "anything",
			min:  0, max: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate("What is the gap?", "what is the gap", 0))
	assert.False(t, IsDuplicate("what is the gap", "how are prices set", 0))
}

func TestCacheLookupHit(t *testing.T) {
	c := NewCache(Config{})

	c.Store(1, &Entry{Question: "what is the biggest gap?", Answer: "pricing in the mid tier"})

	entry, ok := c.Lookup(1, "What is the biggest gap")
	require.True(t, ok)
	assert.Equal(t, "pricing in the mid tier", entry.Answer)
}

func TestCacheMissBelowThreshold(t *testing.T) {
	c := NewCache(Config{})

	c.Store(1, &Entry{Question: "what is the biggest gap?", Answer: "pricing"})

	_, ok := c.Lookup(1, "how do competitors price their plans?")
	assert.False(t, ok)
}

func TestCacheScopedPerConversation(t *testing.T) {
	c := NewCache(Config{})

	c.Store(1, &Entry{Question: "what is the biggest gap?", Answer: "pricing"})

	_, ok := c.Lookup(2, "what is the biggest gap?")
	assert.False(t, ok, "cache must not leak across conversations")
}

func TestCacheWindowBounded(t *testing.T) {
	c := NewCache(Config{WindowSize: 3})

	for i := 0; i < 5; i++ {
		c.Store(1, &Entry{
			Question: fmt.Sprintf("unique question number %d about topic %d", i, i),
			Answer:   fmt.Sprintf("answer %d", i),
		})
	}

	// The two oldest entries fell out of the window.
	_, ok := c.Lookup(1, "unique question number 0 about topic 0")
	assert.False(t, ok)
	_, ok = c.Lookup(1, "unique question number 4 about topic 4")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(Config{TTL: 10 * time.Millisecond})

	c.Store(1, &Entry{Question: "what is the biggest gap?", Answer: "pricing"})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Lookup(1, "what is the biggest gap?")
	assert.False(t, ok, "expired entries must not be served")
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(Config{})

	c.Store(1, &Entry{Question: "what is the biggest gap?", Answer: "pricing"})
	c.Invalidate(1)

	_, ok := c.Lookup(1, "what is the biggest gap?")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestCacheEvictsLeastRecentlyUsedConversation(t *testing.T) {
	c := NewCache(Config{MaxConversations: 2})

	c.Store(1, &Entry{Question: "question one about alpha", Answer: "a"})
	c.Store(2, &Entry{Question: "question two about beta", Answer: "b"})

	// Touch conversation 1 so 2 becomes the LRU.
	_, ok := c.Lookup(1, "question one about alpha")
	require.True(t, ok)

	c.Store(3, &Entry{Question: "question three about gamma", Answer: "c"})

	assert.Equal(t, 2, c.Size())
	_, ok = c.Lookup(2, "question two about beta")
	assert.False(t, ok, "LRU conversation should be evicted")
	_, ok = c.Lookup(1, "question one about alpha")
	assert.True(t, ok)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(Config{MaxConversations: 8})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			convID := int32(n % 4)
			for j := 0; j < 100; j++ {
				c.Store(convID, &Entry{
					Question: fmt.Sprintf("question %d from worker %d", j, n),
					Answer:   "answer",
				})
				c.Lookup(convID, fmt.Sprintf("question %d from worker %d", j, n))
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 8)
}
