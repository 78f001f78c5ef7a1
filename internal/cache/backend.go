package cache

import (
	"errors"
	"fmt"
)

// errKeyNotFound is the backend-neutral miss sentinel.
var errKeyNotFound = errors.New("key not found")

// segments is the durable key/value backend under the cache. Implementations
// must make set/delete durable before returning.
type segments interface {
	get(key []byte) ([]byte, error)
	set(key, value []byte) error
	delete(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	close() error
}

// OpenBackend opens the named segment backend ("pebble" or "badger") under dir.
func OpenBackend(backend, dir string) (segments, error) {
	switch backend {
	case "", "pebble":
		return openPebbleSegments(dir)
	case "badger":
		return openBadgerSegments(dir)
	default:
		return nil, fmt.Errorf("unknown cache backend %q (want pebble or badger)", backend)
	}
}

// OpenAt opens the named backend under dir and wraps it in a Store.
func OpenAt(backend, dir string, opts Options) (*Store, error) {
	seg, err := OpenBackend(backend, dir)
	if err != nil {
		return nil, err
	}
	s, err := Open(seg, opts)
	if err != nil {
		seg.close()
		return nil, err
	}
	return s, nil
}
