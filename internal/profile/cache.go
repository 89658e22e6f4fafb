package profile

import (
	"sync"
	"time"
)

// ActiveProfile is the decrypted active upstream profile.
type ActiveProfile struct {
	ID      int64
	Name    string
	BaseURL string
	APIKey  string
}

// CacheInfo describes the cache state for the admin interface.
type CacheInfo struct {
	Cached       bool          `json:"cached"`
	ProfileID    int64         `json:"profile_id,omitempty"`
	Age          time.Duration `json:"age"`
	RemainingTTL time.Duration `json:"remaining_ttl"`
	TotalTTL     time.Duration `json:"total_ttl"`
}

// Cache holds the decrypted active profile for a short TTL.
// 锁只保护内存中的值，从不跨越数据库或网络调用
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	value      *ActiveProfile
	cachedAt   time.Time
	generation uint64
	now        func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

func (c *Cache) fresh() bool {
	return c.value != nil && c.now().Sub(c.cachedAt) < c.ttl
}

// Get returns the cached profile if it was set within the TTL.
func (c *Cache) Get() (ActiveProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fresh() {
		return ActiveProfile{}, false
	}
	return *c.value, true
}

func (c *Cache) Set(p ActiveProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &p
	c.cachedAt = c.now()
}

// Generation is read before loading from the store and passed to Fill.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Fill stores p only if no invalidation happened since gen was read, so a
// slow read that raced a write cannot put the old profile back.
func (c *Cache) Fill(p ActiveProfile, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.value = &p
	c.cachedAt = c.now()
	return true
}

// Invalidate drops the cached value; the next Get is a miss.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.cachedAt = time.Time{}
	c.generation++
}

func (c *Cache) Info() CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CacheInfo{TotalTTL: c.ttl}
	if !c.fresh() {
		return info
	}
	info.Cached = true
	info.ProfileID = c.value.ID
	info.Age = c.now().Sub(c.cachedAt)
	info.RemainingTTL = c.ttl - info.Age
	return info
}
