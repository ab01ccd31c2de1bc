// Package results correlates asynchronous executor results back to the callers waiting on
// them. Results are written once and live for a bounded TTL.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/metrics"
	"github.com/rcourtman/kubebroker/internal/store"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

const (
	// DefaultTTL must exceed the longest command timeout so a waiting caller cannot miss its
	// result.
	DefaultTTL          = 120 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

type waiter struct {
	ch   chan struct{}
	refs int
}

// Store keeps results in a KVBackend and wakes in-process waiters directly. Waiters also
// poll the backend so results stored by another broker replica are seen.
type Store struct {
	kv           store.KVBackend
	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often waiters re-check the backend.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store that keeps each result for ttl.
func New(kv store.KVBackend, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		kv:           kv,
		ttl:          ttl,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       log.With().Str("component", "results").Logger(),
		waiters:      make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns how long results are retained.
func (s *Store) TTL() time.Duration { return s.ttl }

// Store records result. The first write for a command id wins; later writes return
// ErrDuplicateResult and leave the stored result untouched.
func (s *Store) Store(ctx context.Context, result agentsexec.Result) error {
	if strings.TrimSpace(result.CommandID) == "" {
		return internalerrors.New(internalerrors.KindValidation, "store_result", fmt.Errorf("command_id is required"))
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = s.now()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.CommandID, err)
	}

	stored, err := s.kv.SetNX(ctx, store.ResultKey(result.CommandID), data, s.ttl)
	if err != nil {
		return fmt.Errorf("store result %s: %w", result.CommandID, err)
	}
	if !stored {
		metrics.ResultsDuplicateTotal.Inc()
		s.logger.Warn().Str("command_id", result.CommandID).Msg("Duplicate result rejected")
		return internalerrors.New(internalerrors.KindDuplicate, "store_result", nil).WithCommand(result.CommandID)
	}

	metrics.ResultsStoredTotal.Inc()
	s.notify(result.CommandID)
	s.logger.Debug().
		Str("command_id", result.CommandID).
		Bool("success", result.Success).
		Int64("execution_time_ms", result.ExecutionTimeMs).
		Msg("Result stored")
	return nil
}

// Get returns a stored result or ErrNotFound.
func (s *Store) Get(ctx context.Context, commandID string) (*agentsexec.Result, error) {
	result, err := s.load(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, internalerrors.New(internalerrors.KindNotFound, "get_result", nil).WithCommand(commandID)
	}
	return result, nil
}

// Await blocks until the result for commandID is available, deadline passes
// (ErrResultTimeout) or ctx ends (ctx.Err()).
func (s *Store) Await(ctx context.Context, commandID string, deadline time.Time) (*agentsexec.Result, error) {
	w := s.acquire(commandID)
	defer func() { s.release(commandID, w) }()

	remaining := deadline.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	for {
		result, err := s.load(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		select {
		case <-w.ch:
			w = s.rearm(commandID, w)
		case <-poll.C:
		case <-timer.C:
			if result, err := s.load(ctx, commandID); err == nil && result != nil {
				return result, nil
			}
			return nil, internalerrors.New(internalerrors.KindResultTimeout, "await_result", nil).WithCommand(commandID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) load(ctx context.Context, commandID string) (*agentsexec.Result, error) {
	data, ok, err := s.kv.Get(ctx, store.ResultKey(commandID))
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", commandID, err)
	}
	if !ok {
		return nil, nil
	}
	var result agentsexec.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", commandID, err)
	}
	return &result, nil
}

func (s *Store) acquire(commandID string) *waiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.waiters[commandID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		s.waiters[commandID] = w
	}
	w.refs++
	return w
}

func (s *Store) release(commandID string, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.refs--
	if w.refs <= 0 && s.waiters[commandID] == w {
		delete(s.waiters, commandID)
	}
}

func (s *Store) rearm(commandID string, old *waiter) *waiter {
	s.release(commandID, old)
	return s.acquire(commandID)
}

func (s *Store) notify(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.waiters[commandID]; ok {
		close(w.ch)
		delete(s.waiters, commandID)
	}
}
