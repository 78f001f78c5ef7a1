// Package cache is the encrypted, priority-tiered local key/value store. It
// backs both the read cache and operation payload storage, so entries must
// survive restarts and never silently return corrupted bytes: every read is
// checksum-validated, and failures quarantine the entry instead of serving it.
package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Priority tiers, mirroring the operation log ordering (0 = critical).
// Critical entries are pinned implicitly.
const (
	PriorityCritical   = 0
	PriorityHigh       = 1
	PriorityMedium     = 2
	PriorityLow        = 3
	PriorityBackground = 4
)

// Options configures a Store.
type Options struct {
	// EncryptionKey enables transparent encryption of sensitive entries.
	// 32 bytes when set.
	EncryptionKey []byte
	// SizeBudget is the compaction target in bytes. 0 disables size pressure.
	SizeBudget int64
	// OnCorruption is invoked (outside the store lock) for each quarantined key.
	OnCorruption func(key string)
}

// SetOptions configures a single entry.
type SetOptions struct {
	Priority int
	TTL      time.Duration
	Encrypt  bool
	Pin      bool
}

// Stats is a point-in-time view of cache health.
type Stats struct {
	Entries     int   `json:"entries"`
	Bytes       int64 `json:"bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expired     int64 `json:"expired"`
	Quarantined int64 `json:"quarantined"`
}

// CompactResult reports what one compaction pass reclaimed.
type CompactResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

type meta struct {
	size       int64
	priority   int
	pinned     bool
	expiresAt  time.Time
	lastAccess uint64
	refs       int
}

// Store is the cache. A single mutex guards the in-memory index; backend
// reads happen outside it under a refcount so Compact cannot evict an entry
// mid-read.
type Store struct {
	mu        sync.Mutex
	seg       segments
	sealer    *sealer
	budget    int64
	onCorrupt func(key string)
	now       func() time.Time

	clock uint64
	index map[string]*meta
	stats Stats
}

// Open wraps an opened segment backend in a Store, rebuilding the in-memory
// index from the persisted entries.
func Open(seg segments, opts Options) (*Store, error) {
	s := &Store{
		seg:       seg,
		budget:    opts.SizeBudget,
		onCorrupt: opts.OnCorruption,
		now:       time.Now,
		index:     map[string]*meta{},
	}
	if len(opts.EncryptionKey) > 0 {
		sl, err := newSealer(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		s.sealer = sl
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	return s, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.seg.close()
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) loadIndex() error {
	prefix := []byte(prefixEntry)
	var quarantined int64
	err := s.seg.scan(prefix, func(k, v []byte) error {
		key := string(k[len(prefixEntry):])
		e, err := decodeEntry(v)
		if err != nil {
			// Undecodable at startup: quarantine rather than fail the open.
			if qerr := s.seg.set(quarantineKey(key), v); qerr != nil {
				return qerr
			}
			if qerr := s.seg.delete(k); qerr != nil {
				return qerr
			}
			quarantined++
			slog.Warn("cache entry quarantined at startup", "key", key, "error", err)
			return nil
		}
		s.index[key] = &meta{
			size:      int64(len(v)),
			priority:  e.priority,
			pinned:    e.pinned || e.priority == PriorityCritical,
			expiresAt: e.expiresAt,
		}
		s.stats.Bytes += int64(len(v))
		return nil
	})
	if err != nil {
		return err
	}
	s.stats.Quarantined += quarantined
	s.stats.Entries = len(s.index)
	return nil
}

// Set writes an entry. Local writes never fail due to network state; only the
// backend can reject them.
func (s *Store) Set(key string, value []byte, opts SetOptions) error {
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}
	if opts.Priority < PriorityCritical || opts.Priority > PriorityBackground {
		return fmt.Errorf("invalid cache priority %d", opts.Priority)
	}
	if opts.Encrypt && s.sealer == nil {
		return fmt.Errorf("encryption requested but no key configured")
	}

	e := &entry{
		priority:  opts.Priority,
		pinned:    opts.Pin || opts.Priority == PriorityCritical,
		encrypted: opts.Encrypt,
		checksum:  checksum(value),
		value:     value,
	}
	if opts.TTL > 0 {
		e.expiresAt = s.now().Add(opts.TTL).UTC()
	}
	if opts.Encrypt {
		sealed, err := s.sealer.seal(value)
		if err != nil {
			return err
		}
		e.value = sealed
	}
	raw := encodeEntry(e)
	if err := s.seg.set(entryKey(key), raw); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.stats.Bytes -= old.size
	} else {
		s.stats.Entries++
	}
	s.clock++
	s.index[key] = &meta{
		size:       int64(len(raw)),
		priority:   e.priority,
		pinned:     e.pinned,
		expiresAt:  e.expiresAt,
		lastAccess: s.clock,
	}
	s.stats.Bytes += int64(len(raw))
	s.mu.Unlock()
	return nil
}

// Get reads an entry. Expired entries are misses. A checksum or decryption
// failure quarantines the entry and reports a miss; corrupted bytes are never
// returned.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	m, ok := s.index[key]
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false, nil
	}
	if !m.expiresAt.IsZero() && !s.now().Before(m.expiresAt) {
		s.stats.Misses++
		s.stats.Expired++
		delete(s.index, key)
		s.stats.Entries--
		s.stats.Bytes -= m.size
		s.mu.Unlock()
		_ = s.seg.delete(entryKey(key))
		return nil, false, nil
	}
	m.refs++
	s.mu.Unlock()

	raw, err := s.seg.get(entryKey(key))

	s.mu.Lock()
	m.refs--
	s.mu.Unlock()

	if err != nil {
		if err == errKeyNotFound {
			s.mu.Lock()
			s.stats.Misses++
			s.mu.Unlock()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	e, err := decodeEntry(raw)
	if err != nil {
		s.quarantine(key, raw, err)
		return nil, false, nil
	}

	value := e.value
	if e.encrypted {
		if s.sealer == nil {
			s.quarantine(key, raw, fmt.Errorf("encrypted entry but no key configured"))
			return nil, false, nil
		}
		value, err = s.sealer.open(e.value)
		if err != nil {
			// Decryption failure is treated identically to checksum failure.
			s.quarantine(key, raw, err)
			return nil, false, nil
		}
	}
	if checksum(value) != e.checksum {
		s.quarantine(key, raw, fmt.Errorf("checksum mismatch"))
		return nil, false, nil
	}

	s.mu.Lock()
	s.clock++
	m.lastAccess = s.clock
	s.stats.Hits++
	s.mu.Unlock()
	return value, true, nil
}

// Invalidate removes an entry. Removing a missing key is not an error.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	if m, ok := s.index[key]; ok {
		delete(s.index, key)
		s.stats.Entries--
		s.stats.Bytes -= m.size
	}
	s.mu.Unlock()
	if err := s.seg.delete(entryKey(key)); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// quarantine moves a corrupted entry out of the readable keyspace, keeping
// the raw bytes for diagnostics.
func (s *Store) quarantine(key string, raw []byte, cause error) {
	slog.Warn("cache corruption detected", "key", key, "error", cause)
	_ = s.seg.set(quarantineKey(key), raw)
	_ = s.seg.delete(entryKey(key))

	s.mu.Lock()
	if m, ok := s.index[key]; ok {
		delete(s.index, key)
		s.stats.Entries--
		s.stats.Bytes -= m.size
	}
	s.stats.Misses++
	s.stats.Quarantined++
	cb := s.onCorrupt
	s.mu.Unlock()

	if cb != nil {
		cb(key)
	}
}

// Quarantined lists keys currently held in the diagnostic area.
func (s *Store) Quarantined() ([]string, error) {
	var keys []string
	err := s.seg.scan([]byte(prefixQuarantine), func(k, _ []byte) error {
		keys = append(keys, string(k[len(prefixQuarantine):]))
		return nil
	})
	return keys, err
}

// Compact reclaims expired entries, then evicts the coldest unpinned entries
// until the store is back under its size budget. Pinned and critical entries
// are never candidates, nor are entries currently being read.
func (s *Store) Compact() (CompactResult, error) {
	var res CompactResult

	type candidate struct {
		key        string
		size       int64
		lastAccess uint64
	}

	s.mu.Lock()
	now := s.now()
	var expired []string
	var cold []candidate
	for key, m := range s.index {
		if !m.expiresAt.IsZero() && !now.Before(m.expiresAt) {
			expired = append(expired, key)
			continue
		}
		if m.pinned || m.priority == PriorityCritical || m.refs > 0 {
			continue
		}
		cold = append(cold, candidate{key: key, size: m.size, lastAccess: m.lastAccess})
	}
	for _, key := range expired {
		m := s.index[key]
		delete(s.index, key)
		s.stats.Entries--
		s.stats.Bytes -= m.size
		s.stats.Expired++
	}
	remaining := s.stats.Bytes
	s.mu.Unlock()

	for _, key := range expired {
		if err := s.seg.delete(entryKey(key)); err != nil {
			return res, fmt.Errorf("delete expired entry: %w", err)
		}
		res.Expired++
	}

	if s.budget <= 0 || remaining <= s.budget {
		return res, nil
	}

	sort.Slice(cold, func(i, j int) bool { return cold[i].lastAccess < cold[j].lastAccess })

	for _, c := range cold {
		if remaining <= s.budget {
			break
		}
		s.mu.Lock()
		m, ok := s.index[c.key]
		if !ok || m.refs > 0 {
			s.mu.Unlock()
			continue
		}
		delete(s.index, c.key)
		s.stats.Entries--
		s.stats.Bytes -= m.size
		s.stats.Evictions++
		remaining = s.stats.Bytes
		s.mu.Unlock()

		if err := s.seg.delete(entryKey(c.key)); err != nil {
			return res, fmt.Errorf("evict entry: %w", err)
		}
		res.Evicted++
	}

	if res.Expired > 0 || res.Evicted > 0 {
		slog.Debug("cache compacted", "expired", res.Expired, "evicted", res.Evicted)
	}
	return res, nil
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
