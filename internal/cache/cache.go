// Package cache keeps completed replies keyed by model and conversation so a
// repeated turn can be answered without a network call.
package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"StreamChat/internal/session"
)

// CachedResponse represents a cached reply
type CachedResponse struct {
	Response  string
	Model     string
	Timestamp time.Time
}

// Cache is a TTL cache of completed replies, safe for concurrent use
type Cache struct {
	entries sync.Map // key -> CachedResponse
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a cache. A zero ttl keeps entries forever.
func New(ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{ttl: ttl, now: time.Now, logger: logger}
}

// GenerateCacheKey generates a cache key from the model and the messages sent
func GenerateCacheKey(model string, messages []session.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached reply for key when present and fresh
func (c *Cache) Get(key string) (CachedResponse, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return CachedResponse{}, false
	}
	entry := v.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(entry.Timestamp) > c.ttl {
		c.entries.CompareAndDelete(key, v)
		c.logger.Debug("cache entry expired", "key", key)
		return CachedResponse{}, false
	}
	return entry, true
}

// Put stores a completed reply. Empty replies are not cached.
func (c *Cache) Put(key, model, response string) {
	if response == "" {
		return
	}
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Model:     model,
		Timestamp: c.now(),
	})
}

// Len returns the number of stored entries, fresh or not
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
