// ABOUTME: Tests for the dedupe cache used to drop redelivered chat events.
// ABOUTME: Validates duplicate detection, TTL sweeping, size limits, and concurrency safety.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCache_IsDuplicate_FirstThenRepeat(t *testing.T) {
	cache := New(DefaultTTL, 100)
	defer cache.Close()

	assert.False(t, cache.IsDuplicate("om_1"), "first delivery is admitted")
	assert.True(t, cache.IsDuplicate("om_1"), "immediate redelivery is rejected")
	assert.False(t, cache.IsDuplicate("om_2"))
}

func TestCache_IsDuplicate_EmptyIDNeverDuplicate(t *testing.T) {
	cache := New(DefaultTTL, 100)
	defer cache.Close()

	assert.False(t, cache.IsDuplicate(""))
	assert.False(t, cache.IsDuplicate(""))
	assert.Equal(t, 0, cache.Len(), "empty id is not recorded")
}

func TestCache_IsDuplicate_ReadmittedAfterTTL(t *testing.T) {
	clock := newFakeClock()
	cache := New(10*time.Minute, 100, WithClock(clock.Now))
	defer cache.Close()

	assert.False(t, cache.IsDuplicate("om_1"))
	clock.Advance(9 * time.Minute)
	assert.True(t, cache.IsDuplicate("om_1"), "still inside the window")

	clock.Advance(10*time.Minute + time.Second)
	assert.False(t, cache.IsDuplicate("om_1"), "expired ids are admitted again")
	assert.True(t, cache.IsDuplicate("om_1"))
}

func TestCache_IsDuplicate_SweepsExpiredOnEveryCall(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Minute, 100, WithClock(clock.Now))
	defer cache.Close()

	cache.IsDuplicate("a")
	cache.IsDuplicate("b")
	clock.Advance(30 * time.Second)
	cache.IsDuplicate("c")
	assert.Equal(t, 3, cache.Len())

	clock.Advance(45 * time.Second)
	// a and b are now 75s old, c is 45s old.
	cache.IsDuplicate("")
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("c"))
}

func TestCache_Seen_DoesNotRecord(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Minute, 100, WithClock(clock.Now))
	defer cache.Close()

	assert.False(t, cache.Seen("om_9"))
	assert.False(t, cache.IsDuplicate("om_9"), "Seen must not record the id")
	assert.True(t, cache.Seen("om_9"))

	clock.Advance(2 * time.Minute)
	assert.False(t, cache.Seen("om_9"))
}

func TestCache_DuplicateDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Minute, 100, WithClock(clock.Now))
	defer cache.Close()

	cache.IsDuplicate("om_1")
	clock.Advance(50 * time.Second)
	assert.True(t, cache.IsDuplicate("om_1"))

	clock.Advance(20 * time.Second)
	// 70s after the first delivery the id expires even though it was redelivered at 50s.
	assert.Equal(t, 1, cache.runCleanup())
	assert.False(t, cache.Seen("om_1"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(DefaultTTL, 3)
	defer cache.Close()

	for _, id := range []string{"first", "second", "third", "fourth"} {
		assert.False(t, cache.IsDuplicate(id))
	}

	assert.False(t, cache.Seen("first"), "first should be evicted")
	assert.True(t, cache.Seen("second"))
	assert.True(t, cache.Seen("fourth"))

	assert.False(t, cache.IsDuplicate("fifth"))
	assert.False(t, cache.Seen("second"), "second should be evicted")
	assert.Equal(t, 3, cache.Len())
}

func TestCache_IsDuplicate_ConcurrentSingleWinner(t *testing.T) {
	cache := New(DefaultTTL, 1000)
	defer cache.Close()

	const numGoroutines = 100
	var admitted atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.IsDuplicate("contested") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load(), "exactly one delivery is admitted")
}

func TestCache_Defaults(t *testing.T) {
	cache := New(0, 0)
	defer cache.Close()

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCache_Close(t *testing.T) {
	cache := New(DefaultTTL, 100)
	cache.Close()
	cache.Close()
}
