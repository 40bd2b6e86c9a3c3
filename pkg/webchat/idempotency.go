package webchat

import (
	"net/http"
	"strings"
	"sync"
)

const maxIdempotencyKeys = 1024

func idempotencyKeyFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	return key
}

// idempotencyCache maps client keys to the stream they started. An entry is
// only honoured while its stream is still registered.
type idempotencyCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{keys: map[string]string{}}
}

// do returns the stream already started for key, or runs start and remembers
// its result. An empty key always runs start.
func (c *idempotencyCache) do(key string, alive func(streamID string) bool, start func() (string, error)) (string, bool, error) {
	if key == "" {
		id, err := start()
		return id, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.keys[key]; ok {
		if alive(id) {
			return id, true, nil
		}
		delete(c.keys, key)
	}
	id, err := start()
	if err != nil {
		return "", false, err
	}
	if len(c.keys) >= maxIdempotencyKeys {
		for k, v := range c.keys {
			if !alive(v) {
				delete(c.keys, k)
			}
		}
	}
	c.keys[key] = id
	return id, false, nil
}
