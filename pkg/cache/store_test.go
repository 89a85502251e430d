package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint([]byte("go.sum"), []byte("1.24"))
	b := Fingerprint([]byte("go.sum"), []byte("1.24"))
	c := Fingerprint([]byte("go.sum"), []byte("1.23"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // sha256 hex
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore(1024)

	blob := []byte("artifact contents")
	fingerprint := Fingerprint(blob)

	require.NoError(t, store.Put(t.Context(), fingerprint, blob))

	got, ok, err := store.Get(t.Context(), fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, got)

	_, ok, err = store.Get(t.Context(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ReturnsCopy(t *testing.T) {
	store := NewMemoryStore(1024)

	blob := []byte("original")
	require.NoError(t, store.Put(t.Context(), "fp", blob))

	got, ok, err := store.Get(t.Context(), "fp")
	require.NoError(t, err)
	require.True(t, ok)

	got[0] = 'X'

	again, _, err := store.Get(t.Context(), "fp")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemoryStore_IdempotentPut(t *testing.T) {
	store := NewMemoryStore(1024)

	blob := []byte("same")
	require.NoError(t, store.Put(t.Context(), "fp", blob))
	require.NoError(t, store.Put(t.Context(), "fp", blob))

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(len(blob)), store.Size())
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	// Capacity for three 10-byte blobs.
	store := NewMemoryStore(30)

	for i := range 3 {
		key := fmt.Sprintf("fp-%d", i)
		require.NoError(t, store.Put(t.Context(), key, make([]byte, 10)))
	}

	// Touch fp-0 so fp-1 becomes the eviction candidate.
	_, ok, err := store.Get(t.Context(), "fp-0")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Put(t.Context(), "fp-3", make([]byte, 10)))

	_, ok, _ = store.Get(t.Context(), "fp-1")
	assert.False(t, ok, "least recently used entry should be evicted")

	for _, key := range []string{"fp-0", "fp-2", "fp-3"} {
		_, ok, _ := store.Get(t.Context(), key)
		assert.True(t, ok, key)
	}

	assert.LessOrEqual(t, store.Size(), int64(30))
}

func TestMemoryStore_PinnedEntrySurvivesEviction(t *testing.T) {
	store := NewMemoryStore(30)

	require.NoError(t, store.Put(t.Context(), "pinned", make([]byte, 10)))
	require.NoError(t, store.Put(t.Context(), "other", make([]byte, 10)))

	// Pin the oldest entry by hand, then overflow the store.
	entry := store.entries["pinned"]
	require.True(t, pin(entry))

	require.NoError(t, store.Put(t.Context(), "big", make([]byte, 20)))

	_, ok, err := store.Get(t.Context(), "pinned")
	require.NoError(t, err)
	assert.True(t, ok, "pinned entry must not be evicted")

	entry.pins.Add(-1)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore(1 << 16)

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			for j := range 100 {
				key := fmt.Sprintf("fp-%d-%d", n, j%10)
				_ = store.Put(t.Context(), key, []byte(key))
				_, _, _ = store.Get(t.Context(), key)
			}
		}(i)
	}

	wg.Wait()
}
