package inbound

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultNonceCacheSize = 16384

// nonceCache remembers (signer, nonce) pairs seen inside the replay window.
// It is process-scoped and empties on restart; the bundle hash index still
// catches replays after that.
type nonceCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func newNonceCache(size int, ttl time.Duration) *nonceCache {
	if size <= 0 {
		size = defaultNonceCacheSize
	}
	return &nonceCache{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// seen records the pair and reports whether it was already present.
func (c *nonceCache) seen(keyID, nonce string) bool {
	key := keyID + "\x00" + nonce
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.Contains(key) {
		return true
	}
	c.cache.Add(key, struct{}{})
	return false
}
