package windowstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clock.Now
	return m, clock
}

func TestMemory_GetMissing(t *testing.T) {
	m, _ := newTestMemory()
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SetExpires(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	clock.Advance(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrExpire_SetsExpiryOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	for i := int64(1); i <= 3; i++ {
		n, err := m.IncrExpire(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		clock.Advance(10 * time.Second)
	}

	// The expiry was set on the first increment only, so the counter dies
	// one minute after it was created, not after the last increment.
	clock.Advance(30 * time.Second)
	n, err := GetInt(ctx, m, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncrExpire_AttachesMissingExpiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	// A counter left without a TTL, e.g. by a plain Incr.
	_, err := m.Incr(ctx, "c")
	require.NoError(t, err)

	n, err := m.IncrExpire(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(time.Minute)
	exists, err := m.Exists(ctx, "c")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_SetCardinality(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	for _, member := range []string{"getSlot", "getSlot", "getBalance", "getHealth"} {
		require.NoError(t, m.SAdd(ctx, "s", member))
	}
	require.NoError(t, m.Expire(ctx, "s", time.Hour))

	n, err := m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	clock.Advance(time.Hour)
	n, err = m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSAddExpire_ExpiresFromCreation(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	require.NoError(t, m.SAddExpire(ctx, "s", "getSlot", time.Hour))
	clock.Advance(40 * time.Minute)
	require.NoError(t, m.SAddExpire(ctx, "s", "getBalance", time.Hour))

	n, err := m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(20 * time.Minute)
	n, err = m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, n)

	// A set recreated after expiry gets a fresh window.
	require.NoError(t, m.SAddExpire(ctx, "s", "getHealth", time.Hour))
	clock.Advance(59 * time.Minute)
	n, err = m.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_TypeMismatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.SAdd(ctx, "s", "x"))
	_, err := m.Incr(ctx, "s")
	assert.Error(t, err)

	require.NoError(t, m.Set(ctx, "v", "abc", 0))
	_, err = m.Incr(ctx, "v")
	assert.Error(t, err)
}

func TestMemory_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Incr(ctx, "hot")
		}()
	}
	wg.Wait()

	n, err := GetInt(ctx, m, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(200), n)
}

func TestMemory_Sweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestMemory()

	require.NoError(t, m.Set(ctx, "a", "1", time.Second))
	require.NoError(t, m.Set(ctx, "b", "1", time.Hour))
	require.NoError(t, m.Set(ctx, "c", "1", 0))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, m.Sweep())

	ok, err := m.Exists(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}
