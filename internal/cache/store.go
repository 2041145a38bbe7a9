// Package cache persists proxied responses keyed by host and path.
package cache

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"banner-cache-proxy/internal/config"
)

// ErrNotFound is returned when no committed entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Store is a persistent mapping from cache key to response bytes. Only
// committed entries are ever visible to Stat and Open.
type Store interface {
	// Stat returns when the entry for key was last written.
	Stat(key string) (time.Time, error)
	// Open returns a reader over the stored bytes for key.
	Open(key string) (io.ReadCloser, error)
	// Create starts a new entry for key. It replaces the old one, if any,
	// only when committed.
	Create(key string) (Pending, error)
	Close() error
}

// Pending is an entry being written.
type Pending interface {
	io.Writer
	// Commit makes the written bytes the entry's new content.
	Commit() error
	// Discard drops the written bytes, leaving any previous entry intact.
	Discard() error
}

// NewStore opens the backend selected by cache.backend under cache.dir.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendLevelDB:
		return NewLevelStore(filepath.Join(cfg.Cache.Dir, "leveldb"))
	case config.BackendFiles, "":
		return NewFileStore(cfg.Cache.Dir)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
