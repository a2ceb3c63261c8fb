package state

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Keys under this prefix are the only ones the memory store evicts. Circuit,
// block and rate state must live until their TTL.
const CacheKeyPrefix = "aigate:cache:"

// New field costs: string=16 []byte=24 int64=8
// key (16) + value (24) + expiry (8) + map/GC overhead (80) = 128
const memoryEntryOverhead = 128

type memoryEntry struct {
	value []byte

	// Expiry time in unix nanoseconds. Zero means no expiry.
	expiry int64
}

func (e *memoryEntry) expired(now int64) bool {
	return e.expiry != 0 && e.expiry <= now
}

// MemoryStore keeps all state inside the current process. It is only correct
// for a single-instance deployment: circuit counts, cache entries and user
// blocks are not visible to other instances.
type MemoryStore struct {
	entries map[string]*memoryEntry
	mu      sync.Mutex

	// Maximum size of all entries in bytes. When exceeded, cache entries closest
	// to expiry are dropped first. Other entries are never evicted and may push
	// usage past the limit.
	maxBytes int64

	// Current size of all entries in bytes.
	usage int64

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryStore(maxBytes int64) (*MemoryStore, func()) {
	return NewMemoryStoreWithClock(maxBytes, clock.New())
}

func NewMemoryStoreWithClock(maxBytes int64, clk clock.Clock) (*MemoryStore, func()) {
	s := &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		maxBytes: maxBytes,
		clock:    clk,
	}
	stop := s.startCleanup(time.Minute)
	return s, stop
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) IncrementOrCreate(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := int64(0)
	if entry, ok := s.live(key); ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		count = parsed
	}
	count++
	s.put(key, []byte(strconv.FormatInt(count, 10)), ttl)
	return count, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	return ok, nil
}

// Must be called with mu held.
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(s.clock.Now().UnixNano()) {
		s.remove(key)
		return nil, false
	}
	return entry, true
}

// Must be called with mu held.
func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	s.remove(key)

	size := entrySize(key, value)
	if s.maxBytes > 0 {
		for s.usage+size > s.maxBytes && s.evictOne() {
		}
	}

	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiry = s.clock.Now().Add(ttl).UnixNano()
	}
	s.entries[key] = entry
	s.usage += size
}

// Must be called with mu held.
func (s *MemoryStore) remove(key string) {
	if entry, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.usage -= entrySize(key, entry.value)
	}
}

// Drops the cache entry that would expire first. Entries without expiry go
// last. Returns false when there is no cache entry left to drop.
// Must be called with mu held.
func (s *MemoryStore) evictOne() bool {
	victim := ""
	victimExpiry := int64(0)
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, CacheKeyPrefix) {
			continue
		}
		if victim == "" || earlier(entry.expiry, victimExpiry) {
			victim = key
			victimExpiry = entry.expiry
		}
	}
	if victim == "" {
		return false
	}
	s.remove(victim)
	return true
}

func earlier(a int64, b int64) bool {
	if a == 0 {
		return false
	}
	return b == 0 || a < b
}

func entrySize(key string, value []byte) int64 {
	return memoryEntryOverhead + int64(len(key)+len(value))
}

func (s *MemoryStore) cleanup() {
	now := s.clock.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.expired(now) {
			s.remove(key)
		}
	}
}

func (s *MemoryStore) startCleanup(interval time.Duration) func() {
	ticker := s.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
