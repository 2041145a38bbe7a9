package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps one flat file per key in a directory. A file's
// modification time is its write time.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStore) Stat(key string) (time.Time, error) {
	info, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat cache entry: %w", err)
	}
	if !info.Mode().IsRegular() {
		return time.Time{}, ErrNotFound
	}
	return info.ModTime(), nil
}

func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	return f, nil
}

// Create writes to a hidden temp file in the cache dir; Commit renames it
// over the entry so readers never see a partial file.
func (s *FileStore) Create(key string) (Pending, error) {
	f, err := os.CreateTemp(s.dir, ".pending-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create cache entry: %w", err)
	}
	return &filePending{f: f, final: s.path(key)}, nil
}

func (s *FileStore) Close() error { return nil }

type filePending struct {
	f     *os.File
	final string
	done  bool
}

func (p *filePending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *filePending) Commit() error {
	if p.done {
		return nil
	}
	p.done = true

	tmp := p.f.Name()
	if err := p.f.Chmod(0o644); err != nil {
		_ = p.f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	if err := p.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	if err := os.Rename(tmp, p.final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (p *filePending) Discard() error {
	if p.done {
		return nil
	}
	p.done = true

	_ = p.f.Close()
	if err := os.Remove(p.f.Name()); err != nil {
		return fmt.Errorf("discard cache entry: %w", err)
	}
	return nil
}
