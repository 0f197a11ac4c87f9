package dedup

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached question/answer pair.
type Entry struct {
	Question  string
	Answer    string
	TokensIn  int32
	TokensOut int32
	CreatedAt time.Time
}

// Config controls cache sizing and expiry.
type Config struct {
	// Threshold is the similarity above which a lookup hits.
	Threshold float64
	// WindowSize is the number of recent pairs kept per conversation.
	WindowSize int
	// TTL is how long a cached answer stays servable.
	TTL time.Duration
	// MaxConversations bounds the number of tracked conversations; the least
	// recently used conversation is evicted past this.
	MaxConversations int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:        DuplicateThreshold,
		WindowSize:       20,
		TTL:              30 * time.Minute,
		MaxConversations: 1024,
	}
}

type window struct {
	conversationID int32
	entries        []*Entry // oldest first
}

// Cache holds recent question/answer pairs per conversation and answers
// near-duplicate questions without calling the model.
type Cache struct {
	config Config

	mu      sync.Mutex
	windows map[int32]*list.Element
	order   *list.List // *window, most recently used at front
}

// NewCache creates a Cache with the given configuration. Zero values fall
// back to defaults.
func NewCache(config Config) *Cache {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.MaxConversations <= 0 {
		config.MaxConversations = def.MaxConversations
	}
	return &Cache{
		config:  config,
		windows: make(map[int32]*list.Element),
		order:   list.New(),
	}
}

// Lookup returns the cached answer for a question similar to a recent one in
// the same conversation. Expired entries are pruned on the way.
func (c *Cache) Lookup(conversationID int32, question string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.windows[conversationID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	w := elem.Value.(*window)
	c.pruneExpired(w)

	// Newest first so the freshest answer wins when several match.
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if Similarity(question, e.Question) >= c.config.Threshold {
			return e, true
		}
	}
	return nil, false
}

// Store records a question/answer pair in the conversation's window.
func (c *Cache) Store(conversationID int32, entry *Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.windows[conversationID]
	if !ok {
		w := &window{conversationID: conversationID}
		elem = c.order.PushFront(w)
		c.windows[conversationID] = elem
		c.evictOverflow()
	} else {
		c.order.MoveToFront(elem)
	}

	w := elem.Value.(*window)
	c.pruneExpired(w)
	w.entries = append(w.entries, entry)
	if len(w.entries) > c.config.WindowSize {
		w.entries = w.entries[len(w.entries)-c.config.WindowSize:]
	}
}

// Invalidate drops all cached pairs for a conversation.
func (c *Cache) Invalidate(conversationID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.windows[conversationID]; ok {
		c.order.Remove(elem)
		delete(c.windows, conversationID)
	}
}

// Size returns the number of tracked conversations.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func (c *Cache) pruneExpired(w *window) {
	cutoff := time.Now().Add(-c.config.TTL)
	keep := w.entries[:0]
	for _, e := range w.entries {
		if e.CreatedAt.After(cutoff) {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}

func (c *Cache) evictOverflow() {
	for len(c.windows) > c.config.MaxConversations {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		w := oldest.Value.(*window)
		c.order.Remove(oldest)
		delete(c.windows, w.conversationID)
	}
}
