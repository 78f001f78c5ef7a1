package cache

import (
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

type pebbleSegments struct {
	db *pebble.DB
}

func openPebbleSegments(dir string) (*pebbleSegments, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache segments: %w", err)
	}
	return &pebbleSegments{db: db}, nil
}

func (s *pebbleSegments) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, errKeyNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	out := append([]byte(nil), v...)
	return out, nil
}

func (s *pebbleSegments) set(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

func (s *pebbleSegments) delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

func (s *pebbleSegments) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleSegments) close() error {
	return s.db.Close()
}
