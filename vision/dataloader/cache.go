package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cardvision/cardback/vision/preprocessing"
)

// CacheManager memoises decoded, resized and normalized images by path so
// later epochs skip the decoder. Entries live in process memory only.
// Augmentation always runs on a copy, never on a cached tensor.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images. A
// non-positive size disables caching.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cm := &CacheManager{maxSize: maxSize}
	if maxSize <= 0 {
		return cm, nil
	}
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	cm.cache = c
	return cm, nil
}

// Get retrieves an image from the cache
func (cm *CacheManager) Get(path string) (*preprocessing.Tensor, bool) {
	if cm == nil || cm.cache == nil {
		return nil, false
	}
	v, ok := cm.cache.Get(path)
	if !ok {
		atomic.AddInt64(&cm.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&cm.hits, 1)
	return v.(*preprocessing.Tensor), true
}

// Put adds an image to the cache, evicting the least recently used entry when full
func (cm *CacheManager) Put(path string, t *preprocessing.Tensor) {
	if cm == nil || cm.cache == nil {
		return
	}
	cm.cache.Add(path, t)
}

// Len returns the number of cached images.
func (cm *CacheManager) Len() int {
	if cm == nil || cm.cache == nil {
		return 0
	}
	return cm.cache.Len()
}

// Clear drops every entry; statistics are kept.
func (cm *CacheManager) Clear() {
	if cm == nil || cm.cache == nil {
		return
	}
	cm.cache.Purge()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    cm.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
