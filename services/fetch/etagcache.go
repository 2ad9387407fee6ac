package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"klinevault/services/ohlcv"
)

// EtagCache is the per-URL entity-tag store the fetcher owns (spec §4.2/§4.7
// persistence). It is loaded lazily and written atomically on each update,
// write-temp-then-rename, the same pattern install_candles.go uses for its
// archive files.
type EtagCache struct {
	path string

	mu      sync.Mutex
	entries map[string]ohlcv.EntityTag
}

// NewEtagCache opens (but does not yet load) the cache file at path.
func NewEtagCache(path string) *EtagCache {
	return &EtagCache{path: path, entries: make(map[string]ohlcv.EntityTag)}
}

// Load reads the cache file if present. A corrupted file is treated as
// empty, per spec §4.2: "a corrupted file is deleted and recreated empty."
func (c *EtagCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "read etag cache", err)
	}

	var entries map[string]ohlcv.EntityTag
	if err := json.Unmarshal(data, &entries); err != nil {
		_ = os.Remove(c.path)
		c.entries = make(map[string]ohlcv.EntityTag)
		return nil
	}
	c.entries = entries
	return nil
}

// Get returns the cached tag for url, if any.
func (c *EtagCache) Get(url string) (ohlcv.EntityTag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.entries[url]
	return tag, ok
}

// Put records tag and persists the cache atomically.
func (c *EtagCache) Put(tag ohlcv.EntityTag) error {
	c.mu.Lock()
	c.entries[tag.URL] = tag
	snapshot := make(map[string]ohlcv.EntityTag, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()
	return writeJSONAtomic(c.path, snapshot)
}

// Invalidate removes url's tag, forcing the next fetch to be unconditional.
func (c *EtagCache) Invalidate(url string) error {
	c.mu.Lock()
	delete(c.entries, url)
	snapshot := make(map[string]ohlcv.EntityTag, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()
	return writeJSONAtomic(c.path, snapshot)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create cache dir", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "marshal etag cache", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".etags-*.tmp")
	if err != nil {
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "create temp cache file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "write temp cache file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "close temp cache file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ohlcv.Wrap(ohlcv.KindStoreFailure, "rename temp cache file", err)
	}
	return nil
}
