// Package cache memoises per-file facts (content digests, score versions)
// behind a small thread-safe LRU keyed on a file's identity.
package cache

import (
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/FocuswithJustin/msczkit/core/cas"
)

// Stats contains cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	MaxSize   int
}

// Config contains cache configuration options.
type Config struct {
	// MaxSize is the maximum number of entries (0 = unlimited).
	MaxSize int
	// TTL is the time-to-live for entries (0 = no expiration).
	TTL time.Duration
}

// DefaultConfig holds 256 entries without expiry.
func DefaultConfig() Config {
	return Config{MaxSize: 256}
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU is a thread-safe least-recently-used cache.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	config  Config
	entries map[K]*list.Element
	order   *list.List
	stats   Stats
}

// NewLRU creates an LRU with the given configuration.
func NewLRU[K comparable, V any](config Config) *LRU[K, V] {
	if config.MaxSize < 0 {
		config.MaxSize = 0
	}
	return &LRU[K, V]{
		config:  config,
		entries: make(map[K]*list.Element),
		order:   list.New(),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.config.TTL > 0 && time.Now().After(e.expiresAt) {
		c.remove(el)
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.config.TTL > 0 {
		expires = time.Now().Add(c.config.TTL)
	}
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value, e.expiresAt = value, expires
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expires})
	if c.config.MaxSize > 0 && c.order.Len() > c.config.MaxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
			c.stats.Evictions++
		}
	}
}

// Remove drops key.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	s.MaxSize = c.config.MaxSize
	return s
}

func (c *LRU[K, V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry[K, V]).key)
}

// FileKey identifies one version of a file on disk. A rewrite changes the
// size or modification time and therefore the key.
type FileKey struct {
	Path    string
	Size    int64
	ModTime int64
}

// KeyOf stats path and returns its key.
func KeyOf(path string) (FileKey, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileKey{}, err
	}
	return FileKey{Path: path, Size: fi.Size(), ModTime: fi.ModTime().UnixNano()}, nil
}

// Files memoises a per-file computation.
type Files[V any] struct {
	lru     *LRU[FileKey, V]
	compute func(path string) (V, error)
}

// NewFiles returns a memo of compute keyed on file identity.
func NewFiles[V any](config Config, compute func(path string) (V, error)) *Files[V] {
	return &Files[V]{lru: NewLRU[FileKey, V](config), compute: compute}
}

// Get returns the memoised value for path, computing it if the file is new
// or changed since the last call. Errors are not cached.
func (f *Files[V]) Get(path string) (V, error) {
	key, err := KeyOf(path)
	if err != nil {
		var zero V
		return zero, err
	}
	if v, ok := f.lru.Get(key); ok {
		return v, nil
	}
	v, err := f.compute(path)
	if err != nil {
		return v, err
	}
	f.lru.Put(key, v)
	return v, nil
}

// Stats returns the underlying cache statistics.
func (f *Files[V]) Stats() Stats { return f.lru.Stats() }

// NewDigests memoises BLAKE3 file digests.
func NewDigests(config Config) *Files[string] {
	return NewFiles(config, func(path string) (string, error) {
		h, err := cas.FileDigest(path)
		if err != nil {
			return "", err
		}
		return h.BLAKE3, nil
	})
}
