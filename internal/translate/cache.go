package translate

import (
	"crypto/sha256"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheKey identifies interchangeable requests. The credential is hashed so
// the cache never holds raw API keys.
type cacheKey struct {
	text       string
	mode       Mode
	credential [sha256.Size]byte
}

func newCacheKey(text string, mode Mode, credential string) cacheKey {
	return cacheKey{text: text, mode: mode, credential: sha256.Sum256([]byte(credential))}
}

// cache is a size-capped LRU whose entries expire after a fixed TTL.
type cache struct {
	lru *expirable.LRU[cacheKey, string]
}

func newCache(size int, ttl time.Duration) *cache {
	if size <= 0 {
		return nil
	}
	return &cache{lru: expirable.NewLRU[cacheKey, string](size, nil, ttl)}
}

func (c *cache) get(k cacheKey) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(k)
}

func (c *cache) set(k cacheKey, v string) {
	if c == nil {
		return
	}
	c.lru.Add(k, v)
}

func (c *cache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
