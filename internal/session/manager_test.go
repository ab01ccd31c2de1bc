package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	backend := store.NewMemory(store.WithClock(clock.Now), store.WithSweepInterval(0))
	t.Cleanup(func() { _ = backend.Close() })
	return NewManager(backend, ttl, WithClock(clock.Now)), clock
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	s, err := m.Create(ctx, "prod-eu", "triage-bot")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" || s.ClusterID != "prod-eu" || s.TTLSeconds != 300 {
		t.Fatalf("unexpected session %+v", s)
	}

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClusterID != "prod-eu" || got.ServiceIdentity != "triage-bot" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestCreateRequiresCluster(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	_, err := m.Create(context.Background(), "  ", "x")
	if !errors.Is(err, internalerrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSessionExpiresAtTTL(t *testing.T) {
	const ttl = 300 * time.Second
	tests := []struct {
		name    string
		elapsed time.Duration
		live    bool
	}{
		{"just before ttl", ttl - time.Millisecond, true},
		{"at ttl", ttl, false},
		{"after ttl", ttl + time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestManager(t, ttl)
			ctx := context.Background()
			s, err := m.Create(ctx, "c1", "")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			clock.Advance(tt.elapsed)
			_, err = m.Get(ctx, s.ID)
			if tt.live && err != nil {
				t.Fatalf("expected live session, got %v", err)
			}
			if !tt.live && !errors.Is(err, internalerrors.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	m, clock := newTestManager(t, time.Minute)
	ctx := context.Background()
	s, _ := m.Create(ctx, "c1", "")

	clock.Advance(50 * time.Second)
	if _, err := m.Touch(ctx, s.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	clock.Advance(50 * time.Second)
	if _, err := m.Get(ctx, s.ID); err != nil {
		t.Fatalf("touched session should still be live: %v", err)
	}

	clock.Advance(11 * time.Second)
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, internalerrors.ErrNotFound) {
		t.Fatalf("expected expiry one ttl after touch, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	s, _ := m.Create(ctx, "c1", "")

	for i := 0; i < 2; i++ {
		if err := m.End(ctx, s.ID); err != nil {
			t.Fatalf("End #%d: %v", i, err)
		}
	}
	if err := m.End(ctx, "never-existed"); err != nil {
		t.Fatalf("End unknown: %v", err)
	}
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, internalerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after End, got %v", err)
	}
}
