package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
)

const defaultSweepInterval = 30 * time.Second

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend is a single-process Backend. Expired entries are invisible as soon as they
// expire and are reclaimed by a periodic sweep.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string][][]byte
	kv     map[string]memoryEntry
	now    func() time.Time

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// WithSweepInterval sets how often expired entries are reclaimed. Zero disables the sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.sweepInterval = d }
}

// NewMemory creates an in-memory backend and starts its sweeper.
func NewMemory(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		queues:        make(map[string][][]byte),
		kv:            make(map[string]memoryEntry),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.sweepDone)
	}
	return m
}

func (m *MemoryBackend) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept expired store entries")
			}
		}
	}
}

// Sweep deletes expired entries and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.kv {
		if entry.expired(now) {
			delete(m.kv, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryBackend) PushTail(_ context.Context, key string, value []byte, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if maxLen > 0 && len(q) >= maxLen {
		return internalerrors.ErrQueueFull
	}
	m.queues[key] = append(q, cloneBytes(value))
	return nil
}

func (m *MemoryBackend) PushHead(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	next := make([][]byte, 0, len(q)+1)
	next = append(next, cloneBytes(value))
	m.queues[key] = append(next, q...)
	return nil
}

func (m *MemoryBackend) PopHead(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if len(q) == 0 {
		return nil, false, nil
	}
	head := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(m.queues, key)
	} else {
		m.queues[key] = q[1:]
	}
	return head, true, nil
}

func (m *MemoryBackend) PopHeadIf(_ context.Context, key string, match func([]byte) bool) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if len(q) == 0 || !match(q[0]) {
		return nil, false, nil
	}
	head := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(m.queues, key)
	} else {
		m.queues[key] = q[1:]
	}
	return head, true, nil
}

func (m *MemoryBackend) Len(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key]), nil
}

func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.kv[key]; ok && !existing.expired(now) {
		return false, nil
	}
	m.kv[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiryFor(now, ttl)}
	return true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiryFor(m.now(), ttl)}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(m.now()) {
		delete(m.kv, key)
		return nil, false, nil
	}
	return cloneBytes(entry.value), true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryBackend) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[string][]byte)
	for key, entry := range m.kv {
		if !strings.HasPrefix(key, prefix) || entry.expired(now) {
			continue
		}
		out[key] = cloneBytes(entry.value)
	}
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweepDone
	})
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
