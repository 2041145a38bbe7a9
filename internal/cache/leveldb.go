package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelStore keeps entries in a LevelDB database. Each key has a meta
// record holding the write time and a body record, written in one batch.
type LevelStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// NewLevelStore opens or creates the database at path.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

func metaKey(key string) []byte { return []byte("m:" + key) }
func bodyKey(key string) []byte { return []byte("b:" + key) }

func (s *LevelStore) Stat(key string) (time.Time, error) {
	v, err := s.db.Get(metaKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat cache entry: %w", err)
	}
	if len(v) != 8 {
		return time.Time{}, fmt.Errorf("stat cache entry: corrupt meta record for %q", key)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))), nil
}

func (s *LevelStore) Open(key string) (io.ReadCloser, error) {
	v, err := s.db.Get(bodyKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}

// Create buffers the entry in memory until Commit.
func (s *LevelStore) Create(key string) (Pending, error) {
	return &levelPending{store: s, key: key}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

type levelPending struct {
	store *LevelStore
	key   string
	buf   bytes.Buffer
	done  bool
}

func (p *levelPending) Write(b []byte) (int, error) {
	return p.buf.Write(b)
}

func (p *levelPending) Commit() error {
	if p.done {
		return nil
	}
	p.done = true

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.store.now().UnixNano()))

	batch := new(leveldb.Batch)
	batch.Put(bodyKey(p.key), p.buf.Bytes())
	batch.Put(metaKey(p.key), ts[:])
	if err := p.store.db.Write(batch, nil); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (p *levelPending) Discard() error {
	p.done = true
	p.buf.Reset()
	return nil
}
