// Package cache is keephost's file-entry cache: fingerprint-keyed,
// serving either buffered raw/gzip payloads or a streaming-mode signal for
// large files (spec.md §4.3). It follows the teacher's
// internal/cache.Cache[K,V] shape (sync.RWMutex + map + insertion-order
// slice for eviction) but replaces time-based TTL expiry with
// fingerprint-based supersession: an entry is valid exactly as long as its
// (size, mtime) pair matches what's on disk.
package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Entry is one cached file's metadata plus optional buffered payloads
// (spec.md §4.3 "Cache entry").
type Entry struct {
	AbsPath string
	URLPath string
	Size    int64
	ModTime time.Time
	Mime    string
	Tag     string // hmac(path + size + mtime)
	Raw     []byte // nil when streaming-only
	Gzip    []byte // nil when not compressible or streaming-only
}

// EtagStrong returns the strong ETag for the raw payload.
func (e Entry) EtagStrong() string { return `"` + e.Tag + `"` }

// EtagWeak returns the weak ETag for the raw payload.
func (e Entry) EtagWeak() string { return `W/"` + e.Tag + `"` }

// EtagGzip returns the strong ETag for the gzip variant.
func (e Entry) EtagGzip() string { return `"` + e.Tag + `-gz"` }

// Streaming reports whether the entry is too large to be served from a
// buffered payload (size >= max) and must instead be streamed from disk.
func (e Entry) Streaming(max int64) bool {
	return max > 0 && e.Size >= max
}

// Fingerprint computes the entry tag: hmac(path + size + mtime), using the
// cache's private key so the tag can't be forged by a client supplying a
// crafted If-None-Match header.
func Fingerprint(key []byte, path string, size int64, mtime time.Time) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%d|%d", path, size, mtime.UnixNano())
	return hex.EncodeToString(mac.Sum(nil))
}

// Cache is a concurrent map of absolute path to Entry, evicted by
// fingerprint change (size or mtime mismatch) rather than TTL, plus an
// optional global entry-count Limit.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	limit   int
	key     []byte
}

// New creates a Cache. limit <= 0 means unbounded entry count (spec.md §4.3
// "limit (optional global entry count)").
func New(limit int, hmacKey []byte) *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		limit:   limit,
		key:     hmacKey,
	}
}

// Get returns the cached entry for path if its fingerprint still matches
// the given size/mtime; otherwise it evicts the stale entry (if any) and
// reports a miss, so the caller repopulates via Put (spec.md §4.3
// "Fingerprint change evicts and repopulates the entry on the next
// request").
func (c *Cache) Get(path string, size int64, mtime time.Time) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if e.Size != size || !e.ModTime.Equal(mtime) {
		c.Delete(path)
		return Entry{}, false
	}
	return e, true
}

// Put stores or replaces the entry for e.AbsPath, evicting the oldest entry
// by insertion order if the cache is at its Limit.
func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[e.AbsPath]; exists {
		c.entries[e.AbsPath] = e
		return
	}
	if c.limit > 0 && len(c.entries) >= c.limit {
		c.evictOldestLocked()
	}
	c.entries[e.AbsPath] = e
	c.order = append(c.order, e.AbsPath)
}

// Delete removes path's entry, if present.
func (c *Cache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[path]; !ok {
		return
	}
	delete(c.entries, path)
	for i, k := range c.order {
		if k == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// compressibleExt is the default set of text-like extensions worth
// gzipping, matching spec.md §4.3's "compress (extensions)" site option.
var compressibleExt = map[string]bool{
	".html": true, ".css": true, ".js": true, ".json": true,
	".svg": true, ".txt": true, ".xml": true, ".md": true,
}

// Compressible reports whether ext (including the leading dot) is in the
// default compressible set.
func Compressible(ext string) bool { return compressibleExt[ext] }

// GzipBytes compresses raw at the default compression level, for building
// an Entry's Gzip payload when populating the cache.
func GzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
