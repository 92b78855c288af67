package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// DefaultPebblePrefix namespaces outbox keys inside a shared database.
const DefaultPebblePrefix = "outbox:"

// PebbleStore is a DurableStore backed by a Pebble database.
type PebbleStore struct {
	db     *pebble.DB
	prefix []byte
	owned  bool

	mu     sync.RWMutex
	closed bool
}

// OpenPebbleStore opens the database at path. An empty prefix selects
// DefaultPebblePrefix.
func OpenPebbleStore(path, prefix string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", path, err)
	}
	s := NewPebbleStore(db, prefix)
	s.owned = true
	logrus.WithFields(logrus.Fields{
		"function": "OpenPebbleStore",
		"path":     path,
		"prefix":   string(s.prefix),
	}).Info("Pebble store opened")
	return s, nil
}

// NewPebbleStore wraps an already open database. Close does not close db.
func NewPebbleStore(db *pebble.DB, prefix string) *PebbleStore {
	if prefix == "" {
		prefix = DefaultPebblePrefix
	}
	return &PebbleStore{db: db, prefix: []byte(prefix)}
}

func (s *PebbleStore) key(k string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

func (s *PebbleStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Set(s.key(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("storage: pebble set %s: %w", key, err)
	}
	return nil
}

// scan calls fn for every key under the prefix. Caller holds s.mu.
func (s *PebbleStore) scan(fn func(k, v []byte)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("storage: pebble iterator: %w", err)
	}
	defer iter.Close()
	for iter.SeekGE(s.prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), s.prefix) {
			break
		}
		fn(iter.Key(), iter.Value())
	}
	return iter.Error()
}

func (s *PebbleStore) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	err := s.scan(func(k, v []byte) {
		out[string(k[len(s.prefix):])] = append([]byte(nil), v...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Delete(s.key(key), pebble.Sync); err != nil {
		return fmt.Errorf("storage: pebble delete %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	err := s.scan(func(k, _ []byte) {
		_ = b.Delete(append([]byte(nil), k...), nil)
	})
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("storage: pebble clear: %w", err)
	}
	return nil
}

// Close closes the database when it was opened by OpenPebbleStore.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}
