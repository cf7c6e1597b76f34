package windowstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// entry is a single key. Exactly one of value or set is meaningful.
type entry struct {
	value     string
	set       map[string]struct{}
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store for single-node deployments and tests. State
// is local to the process, so limits are not shared across replicas.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time // injectable clock for testing
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewMemoryWithClock creates an empty in-memory store that reads time from now.
// Components sharing a fake clock in tests use it to keep expiry in step.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

// live returns the entry for key if it exists and has not expired.
// Must be called with m.mu held.
func (m *Memory) live(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.set != nil {
		return "", fmt.Errorf("windowstore: key %q holds a set", key)
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, n, err := m.incrLocked(key)
	return n, err
}

func (m *Memory) IncrExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, n, err := m.incrLocked(key)
	if err != nil {
		return 0, err
	}
	m.expireIfUnset(e, ttl)
	return n, nil
}

// incrLocked must be called with m.mu held.
func (m *Memory) incrLocked(key string) (*entry, int64, error) {
	e := m.live(key)
	if e == nil {
		e = &entry{value: "0"}
		m.entries[key] = e
	}
	if e.set != nil {
		return nil, 0, fmt.Errorf("windowstore: key %q holds a set", key)
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("windowstore: key %q is not an integer", key)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return e, n, nil
}

// expireIfUnset must be called with m.mu held.
func (m *Memory) expireIfUnset(e *entry, ttl time.Duration) {
	if ttl > 0 && e.expiresAt.IsZero() {
		e.expiresAt = m.now().Add(ttl)
	}
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil
	}
	e.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.saddLocked(key, member)
	return err
}

func (m *Memory) SAddExpire(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.saddLocked(key, member)
	if err != nil {
		return err
	}
	m.expireIfUnset(e, ttl)
	return nil
}

// saddLocked must be called with m.mu held.
func (m *Memory) saddLocked(key, member string) (*entry, error) {
	e := m.live(key)
	if e == nil {
		e = &entry{set: make(map[string]struct{})}
		m.entries[key] = e
	}
	if e.set == nil {
		return nil, fmt.Errorf("windowstore: key %q does not hold a set", key)
	}
	e.set[member] = struct{}{}
	return e, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Start sweeps expired entries every interval until ctx is cancelled.
func (m *Memory) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
