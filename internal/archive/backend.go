package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrBackendClosed = errors.New("archive backend is closed")
	ErrKeyNotFound   = errors.New("key not found")
)

// Backend is the ordered key-value store an archive is written to.
type Backend interface {
	Name() string
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key, value []byte) error

	// Scan calls fn for every key starting with prefix, in key order.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Backend names.
const (
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
)

// OpenBackend opens the named backend at path, creating it if needed.
func OpenBackend(name, path string) (Backend, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	switch name {
	case BackendPebble, "":
		return OpenPebble(path)
	case BackendLevelDB:
		return OpenLevelDB(path)
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", name)
	}
}

// PebbleBackend stores the archive in a Pebble database.
type PebbleBackend struct {
	path string
	db   *pebble.DB
}

// OpenPebble opens a Pebble database at path.
func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open PebbleDB at %s: %w", path, err)
	}
	return &PebbleBackend{path: path, db: db}, nil
}

func (p *PebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", p.path)
}

func (p *PebbleBackend) Read(_ context.Context, key []byte) ([]byte, error) {
	if p.db == nil {
		return nil, ErrBackendClosed
	}
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	valCopy := make([]byte, len(val))
	copy(valCopy, val)
	return valCopy, nil
}

func (p *PebbleBackend) Write(_ context.Context, key, value []byte) error {
	if p.db == nil {
		return ErrBackendClosed
	}
	return p.db.Set(key, value, pebble.Sync)
}

func (p *PebbleBackend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if p.db == nil {
		return ErrBackendClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleBackend) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// LevelDBBackend stores the archive in a LevelDB database.
type LevelDBBackend struct {
	path string
	db   *leveldb.DB
}

// OpenLevelDB opens a LevelDB database at path.
func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s: %w", path, err)
	}
	return &LevelDBBackend{path: path, db: db}, nil
}

func (l *LevelDBBackend) Name() string {
	return fmt.Sprintf("leveldb(%s)", l.path)
}

func (l *LevelDBBackend) Read(_ context.Context, key []byte) ([]byte, error) {
	if l.db == nil {
		return nil, ErrBackendClosed
	}
	val, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (l *LevelDBBackend) Write(_ context.Context, key, value []byte) error {
	if l.db == nil {
		return ErrBackendClosed
	}
	return l.db.Put(key, value, nil)
}

func (l *LevelDBBackend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if l.db == nil {
		return ErrBackendClosed
	}
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelDBBackend) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
