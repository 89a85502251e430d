package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// pinEvicted marks an entry claimed by eviction. Readers racing the evictor
// observe it and treat the entry as a miss.
const pinEvicted = -1

type memoryEntry struct {
	fingerprint string
	blob        []byte
	pins        atomic.Int32
	element     *list.Element
}

// MemoryStore is an in-process Store with least-recently-used eviction.
// Entries pinned by an in-flight Get are never evicted; the pin count is
// managed with compare-and-swap so eviction and reads cannot interleave on
// the same entry.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	entries  map[string]*memoryEntry
	order    *list.List // front = most recently used
}

// NewMemoryStore creates a store holding at most capacity bytes of blobs.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]*memoryEntry),
		order:    list.New(),
	}
}

// Put stores the blob under the fingerprint and evicts the least recently
// used unpinned entries while the store exceeds capacity.
func (s *MemoryStore) Put(_ context.Context, fingerprint string, blob []byte) error {
	stored := make([]byte, len(blob))
	copy(stored, blob)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[fingerprint]; ok {
		s.size += int64(len(stored)) - int64(len(existing.blob))
		existing.blob = stored
		s.order.MoveToFront(existing.element)
	} else {
		entry := &memoryEntry{fingerprint: fingerprint, blob: stored}
		entry.element = s.order.PushFront(entry)
		s.entries[fingerprint] = entry
		s.size += int64(len(stored))
	}

	s.evictLocked()

	return nil
}

// Get returns the blob for the fingerprint. The entry is pinned for the
// duration of the copy so a concurrent Put cannot evict it mid-read.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) ([]byte, bool, error) {
	s.mu.Lock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		s.mu.Unlock()

		return nil, false, nil
	}

	if !pin(entry) {
		// Lost the race against eviction.
		s.mu.Unlock()

		return nil, false, nil
	}

	s.order.MoveToFront(entry.element)
	blob := entry.blob
	s.mu.Unlock()

	out := make([]byte, len(blob))
	copy(out, blob)

	entry.pins.Add(-1)

	return out, true, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Size returns the total stored bytes.
func (s *MemoryStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// evictLocked walks from the least recently used end, claiming unpinned
// entries until the store fits its capacity. Pinned entries are skipped.
func (s *MemoryStore) evictLocked() {
	if s.capacity <= 0 {
		return
	}

	element := s.order.Back()

	for s.size > s.capacity && element != nil {
		previous := element.Prev()
		entry := element.Value.(*memoryEntry)

		if entry.pins.CompareAndSwap(0, pinEvicted) {
			s.order.Remove(element)
			delete(s.entries, entry.fingerprint)
			s.size -= int64(len(entry.blob))
		}

		element = previous
	}
}

// pin increments the pin count unless the entry was already claimed by
// eviction.
func pin(entry *memoryEntry) bool {
	for {
		current := entry.pins.Load()
		if current == pinEvicted {
			return false
		}

		if entry.pins.CompareAndSwap(current, current+1) {
			return true
		}
	}
}
