// Package queue holds per-cluster FIFO command queues and the long-poll wait that executors
// block on.
package queue

import (
	"context"
	"encoding/json"
	"errors"
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
	// MaxWait is the longest a single Pop may block.
	MaxWait = 30 * time.Second

	DefaultMaxDepth     = 100
	DefaultMaxResidency = 5 * time.Minute
	// DefaultPollInterval bounds how late a waiter notices a push made by another broker
	// process sharing the same backend.
	DefaultPollInterval = time.Second
)

// Config tunes a Queue.
type Config struct {
	MaxDepth     int
	MaxResidency time.Duration
	PollInterval time.Duration
}

// ExpiredFunc is called for each command discarded because it sat in the queue too long.
type ExpiredFunc func(ctx context.Context, cmd agentsexec.Command)

// Queue is a set of per-cluster FIFO command queues on a store.QueueBackend.
type Queue struct {
	backend store.QueueBackend
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.Mutex
	waiters   map[string]chan struct{}
	onExpired ExpiredFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for residency checks.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithExpiredHandler registers fn to be told about commands that expired undelivered.
func WithExpiredHandler(fn ExpiredFunc) Option {
	return func(q *Queue) { q.onExpired = fn }
}

// New returns a Queue over backend.
func New(backend store.QueueBackend, cfg Config, opts ...Option) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxResidency <= 0 {
		cfg.MaxResidency = DefaultMaxResidency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	q := &Queue{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		logger:  log.With().Str("component", "queue").Logger(),
		waiters: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ClampWait bounds a requested long-poll wait to [0, MaxWait].
func ClampWait(wait time.Duration) time.Duration {
	switch {
	case wait < 0:
		return 0
	case wait > MaxWait:
		return MaxWait
	default:
		return wait
	}
}

// Push appends cmd to its cluster's queue. When the queue is full, expired commands at its
// head are pruned first; a queue still full of live commands is left untouched and
// ErrQueueFull is returned.
func (q *Queue) Push(ctx context.Context, cmd agentsexec.Command) error {
	if strings.TrimSpace(cmd.ClusterID) == "" {
		return internalerrors.New(internalerrors.KindValidation, "push_command", fmt.Errorf("cluster_id is required"))
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}

	key := store.QueueKey(cmd.ClusterID)
	err = q.backend.PushTail(ctx, key, data, q.cfg.MaxDepth)
	if errors.Is(err, internalerrors.ErrQueueFull) {
		// Commands nobody collected in time must not hold the slots of fresh ones.
		pruned, pruneErr := q.pruneExpired(ctx, cmd.ClusterID)
		if pruneErr != nil {
			q.logger.Warn().Err(pruneErr).Str("cluster_id", cmd.ClusterID).Msg("Failed to prune expired commands")
		}
		if pruned > 0 {
			err = q.backend.PushTail(ctx, key, data, q.cfg.MaxDepth)
		}
	}
	if err != nil {
		if errors.Is(err, internalerrors.ErrQueueFull) {
			metrics.CommandsRejectedTotal.WithLabelValues("queue_full").Inc()
			return internalerrors.New(internalerrors.KindQueueFull, "push_command", err).
				WithCluster(cmd.ClusterID).
				WithCommand(cmd.ID)
		}
		return fmt.Errorf("push command %s: %w", cmd.ID, err)
	}

	q.notify(cmd.ClusterID)
	metrics.RecordEnqueued(cmd.ClusterID, q.depthOrZero(ctx, cmd.ClusterID))
	q.logger.Debug().Str("cluster_id", cmd.ClusterID).Str("command_id", cmd.ID).Msg("Command queued")
	return nil
}

// Requeue puts cmd back at the head of its queue after a failed handoff.
func (q *Queue) Requeue(ctx context.Context, cmd agentsexec.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}
	if err := q.backend.PushHead(ctx, store.QueueKey(cmd.ClusterID), data); err != nil {
		return fmt.Errorf("requeue command %s: %w", cmd.ID, err)
	}
	q.notify(cmd.ClusterID)
	metrics.CommandsRequeuedTotal.WithLabelValues(cmd.ClusterID).Inc()
	q.logger.Info().Str("cluster_id", cmd.ClusterID).Str("command_id", cmd.ID).Msg("Command requeued")
	return nil
}

// Pop removes and returns the oldest live command for clusterID. When the queue is empty it
// blocks up to wait (clamped to MaxWait) for a push. A nil command with a nil error means
// nothing arrived in time.
func (q *Queue) Pop(ctx context.Context, clusterID string, wait time.Duration) (*agentsexec.Command, error) {
	wait = ClampWait(wait)

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	var poll *time.Ticker
	for {
		signal := q.waitChan(clusterID)

		cmd, err := q.popLive(ctx, clusterID)
		if err != nil || cmd != nil {
			return cmd, err
		}
		if wait == 0 {
			return nil, nil
		}

		if poll == nil {
			poll = time.NewTicker(q.cfg.PollInterval)
			defer poll.Stop()
		}

		select {
		case <-signal:
		case <-poll.C:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth returns the number of queued commands for clusterID.
func (q *Queue) Depth(ctx context.Context, clusterID string) (int, error) {
	return q.backend.Len(ctx, store.QueueKey(clusterID))
}

func (q *Queue) depthOrZero(ctx context.Context, clusterID string) int {
	n, err := q.Depth(ctx, clusterID)
	if err != nil {
		return 0
	}
	return n
}

// popLive pops until it finds a command still within its residency window.
func (q *Queue) popLive(ctx context.Context, clusterID string) (*agentsexec.Command, error) {
	key := store.QueueKey(clusterID)
	for {
		data, ok, err := q.backend.PopHead(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("pop command for %s: %w", clusterID, err)
		}
		if !ok {
			return nil, nil
		}

		var cmd agentsexec.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			q.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Dropping undecodable queue entry")
			continue
		}

		if q.expired(cmd) {
			q.reportExpired(ctx, cmd)
			continue
		}

		metrics.RecordDispatched(clusterID, q.depthOrZero(ctx, clusterID))
		return &cmd, nil
	}
}

// pruneExpired removes expired commands from the head of clusterID's queue and reports how
// many it removed. It stops at the first live command so FIFO order is kept.
func (q *Queue) pruneExpired(ctx context.Context, clusterID string) (int, error) {
	key := store.QueueKey(clusterID)
	stale := func(data []byte) bool {
		var cmd agentsexec.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return true
		}
		return q.expired(cmd)
	}

	pruned := 0
	for {
		data, ok, err := q.backend.PopHeadIf(ctx, key, stale)
		if err != nil {
			return pruned, fmt.Errorf("prune queue for %s: %w", clusterID, err)
		}
		if !ok {
			return pruned, nil
		}
		pruned++

		var cmd agentsexec.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			q.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Dropping undecodable queue entry")
			continue
		}
		q.reportExpired(ctx, cmd)
	}
}

func (q *Queue) reportExpired(ctx context.Context, cmd agentsexec.Command) {
	metrics.CommandsExpiredTotal.WithLabelValues(cmd.ClusterID).Inc()
	q.logger.Warn().
		Str("cluster_id", cmd.ClusterID).
		Str("command_id", cmd.ID).
		Time("submitted_at", cmd.SubmittedAt).
		Msg("Command expired in queue before delivery")
	if q.onExpired != nil {
		q.onExpired(ctx, cmd)
	}
}

func (q *Queue) expired(cmd agentsexec.Command) bool {
	if cmd.SubmittedAt.IsZero() {
		return false
	}
	deadline := cmd.SubmittedAt.Add(q.cfg.MaxResidency)
	if cmd.TimeoutMs > 0 && cmd.Deadline().Before(deadline) {
		deadline = cmd.Deadline()
	}
	return !q.now().Before(deadline)
}

// waitChan returns a channel closed by the next push to clusterID.
func (q *Queue) waitChan(clusterID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.waiters[clusterID]
	if !ok {
		ch = make(chan struct{})
		q.waiters[clusterID] = ch
	}
	return ch
}

func (q *Queue) notify(clusterID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ch, ok := q.waiters[clusterID]; ok {
		close(ch)
		delete(q.waiters, clusterID)
	}
}
