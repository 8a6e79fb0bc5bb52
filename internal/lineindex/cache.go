package lineindex

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies a built Index by the on-disk file it came from and
// a cheap freshness check (size + modtime), so a rebuilt binary doesn't
// serve a stale cached index.
type cacheKey struct {
	path    string
	size    int64
	modUnix int64
}

// Cache bounds how many modules' Indexes are kept in memory. The event
// loop creates one Cache per session, so a module loaded again within
// that session skips re-parsing DWARF; separate sessions do not share
// entries. Grounded on delve's go.mod dependency on hashicorp/golang-lru
// — see DESIGN.md.
type Cache struct {
	lru *lru.Cache[cacheKey, *Index]
}

// NewCache creates a Cache holding at most size built indexes.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[cacheKey, *Index](size)
	if err != nil {
		return nil, fmt.Errorf("creating line index cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

func keyFor(path string) (cacheKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cacheKey{}, err
	}
	return cacheKey{path: path, size: info.Size(), modUnix: info.ModTime().Unix()}, nil
}

// Get returns a previously built Index for path, if still fresh.
func (c *Cache) Get(path string) (*Index, bool) {
	key, err := keyFor(path)
	if err != nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Put caches idx for path.
func (c *Cache) Put(path string, idx *Index) {
	key, err := keyFor(path)
	if err != nil {
		return
	}
	c.lru.Add(key, idx)
}
