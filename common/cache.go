package common

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// CacheRepository defines a minimal interface for a key/value cache.
// The values are stored as raw []byte, which you can marshal/unmarshal
// from JSON or other formats as needed.
type CacheRepository interface {
	Get(key string) (value []byte, found bool)
	Set(key string, value []byte, expiration time.Duration)
	Delete(key string)
}

// DefaultCacheMaxCost bounds the total size of cached values in bytes.
const DefaultCacheMaxCost = 8 << 20

var _ CacheRepository = (*CacheStore)(nil)

// CacheStore is a size-bounded in-memory cache with per-entry TTL.
type CacheStore struct {
	cache *ristretto.Cache[string, []byte]
}

// NewCacheStore returns a ristretto-backed CacheRepository. Call Close when done.
func NewCacheStore(maxCostBytes int64) (*CacheStore, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = DefaultCacheMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CacheStore{cache: c}, nil
}

func (c *CacheStore) Get(key string) ([]byte, bool) {
	return c.cache.Get(key)
}

func (c *CacheStore) Delete(key string) {
	c.cache.Del(key)
}

// Set stores value with a TTL. Writes are flushed before returning so a
// following Get observes them.
func (c *CacheStore) Set(key string, value []byte, expiration time.Duration) {
	c.cache.SetWithTTL(key, value, int64(len(value)), expiration)
	c.cache.Wait()
}

// Close stops the cache goroutines.
func (c *CacheStore) Close() {
	c.cache.Close()
}

// NopCache never stores anything. Used when response caching is disabled.
type NopCache struct{}

func (NopCache) Get(string) ([]byte, bool)         { return nil, false }
func (NopCache) Set(string, []byte, time.Duration) {}
func (NopCache) Delete(string)                     {}
