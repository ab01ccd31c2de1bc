package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/metrics"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/results"
	"github.com/rcourtman/kubebroker/internal/session"
	"github.com/rcourtman/kubebroker/internal/store"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

const (
	maxArgs         = 64
	maxArgLength    = 1024
	maxTotalArgsLen = 8192

	// DefaultCommandTimeout applies when a request does not carry its own timeout.
	DefaultCommandTimeout = 60 * time.Second
	// MaxCommandTimeout caps per-request timeouts.
	MaxCommandTimeout = 100 * time.Second
)

// Execute outcome labels.
const (
	outcomeSuccess         = "success"
	outcomeFailure         = "failure"
	outcomeQueueFull       = "queue_full"
	outcomeDeliveryTimeout = "delivery_timeout"
	outcomeResultTimeout   = "result_timeout"
	outcomeCancelled       = "cancelled"
	outcomeRejected        = "rejected"
)

// ExecuteRequest is the body of POST /debug/execute.
type ExecuteRequest struct {
	ClusterID string   `json:"cluster_id"`
	SessionID string   `json:"session_id,omitempty"`
	Args      []string `json:"args"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// DispatcherConfig bounds command timeouts.
type DispatcherConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// commandRecord is what the broker remembers about an in-flight command.
type commandRecord struct {
	State     models.CommandState `json:"state"`
	ClusterID string              `json:"cluster_id"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Dispatcher turns a synchronous execute call into a queued command and waits for its result.
type Dispatcher struct {
	queue    *queue.Queue
	results  *results.Store
	sessions *session.Manager
	kv       store.KVBackend
	cfg      DispatcherConfig
	now      func() time.Time
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock replaces time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires the queue, result store and session manager together. sessions may be nil
// when session-bound execution is not offered.
func NewDispatcher(q *queue.Queue, r *results.Store, sessions *session.Manager, kv store.KVBackend, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCommandTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxCommandTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	d := &Dispatcher{
		queue:    q,
		results:  r,
		sessions: sessions,
		kv:       kv,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute queues req for its cluster's executor and blocks until the result arrives, the
// command's timeout elapses, or ctx ends.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) (*agentsexec.Result, error) {
	start := d.now()

	cmd, err := d.prepare(ctx, req)
	if err != nil {
		metrics.CommandsRejectedTotal.WithLabelValues("invalid").Inc()
		metrics.RecordExecute(outcomeRejected, d.now().Sub(start))
		return nil, err
	}
	logger := d.logger.With().
		Str("command_id", cmd.ID).
		Str("cluster_id", cmd.ClusterID).
		Logger()

	if err := d.setState(ctx, cmd.ID, cmd.ClusterID, models.CommandPending); err != nil {
		return nil, err
	}
	if err := d.queue.Push(ctx, *cmd); err != nil {
		_ = d.kv.Delete(ctx, store.CommandStateKey(cmd.ID))
		if errors.Is(err, internalerrors.ErrQueueFull) {
			metrics.RecordExecute(outcomeQueueFull, d.now().Sub(start))
		}
		return nil, err
	}
	logger.Debug().Strs("args", cmd.Args).Dur("timeout", cmd.Timeout()).Msg("Awaiting result")

	result, err := d.results.Await(ctx, cmd.ID, cmd.Deadline())
	switch {
	case err == nil && result.Outcome == agentsexec.OutcomeDeliveryTimeout:
		metrics.RecordExecute(outcomeDeliveryTimeout, d.now().Sub(start))
		return nil, internalerrors.New(internalerrors.KindDeliveryTimeout, "execute", nil).
			WithCluster(cmd.ClusterID).WithCommand(cmd.ID)
	case err == nil:
		outcome := outcomeSuccess
		if !result.Success {
			outcome = outcomeFailure
		}
		metrics.RecordExecute(outcome, d.now().Sub(start))
		return result, nil
	case errors.Is(err, internalerrors.ErrResultTimeout):
		return nil, d.classifyTimeout(ctx, cmd, start, logger)
	case ctx.Err() != nil:
		metrics.RecordExecute(outcomeCancelled, d.now().Sub(start))
		logger.Debug().Msg("Caller went away before the result arrived")
		return nil, err
	default:
		return nil, err
	}
}

// classifyTimeout distinguishes a command no executor picked up from one that was picked up
// but never answered.
func (d *Dispatcher) classifyTimeout(ctx context.Context, cmd *agentsexec.Command, start time.Time, logger zerolog.Logger) error {
	record, _ := d.record(context.WithoutCancel(ctx), cmd.ID)
	_ = d.setState(context.WithoutCancel(ctx), cmd.ID, cmd.ClusterID, models.CommandTimedOut)

	if record == nil || record.State == models.CommandPending || record.State == models.CommandExpired {
		metrics.RecordExecute(outcomeDeliveryTimeout, d.now().Sub(start))
		logger.Warn().Msg("Command was not picked up by an executor before its timeout")
		return internalerrors.New(internalerrors.KindDeliveryTimeout, "execute", nil).
			WithCluster(cmd.ClusterID).WithCommand(cmd.ID)
	}
	metrics.RecordExecute(outcomeResultTimeout, d.now().Sub(start))
	logger.Warn().Str("state", string(record.State)).Msg("Executor did not return a result before the timeout")
	return internalerrors.New(internalerrors.KindResultTimeout, "execute", nil).
		WithCluster(cmd.ClusterID).WithCommand(cmd.ID)
}

func (d *Dispatcher) prepare(ctx context.Context, req ExecuteRequest) (*agentsexec.Command, error) {
	if err := validateArgs(req.Args); err != nil {
		return nil, internalerrors.New(internalerrors.KindValidation, "execute", err)
	}

	clusterID := strings.TrimSpace(req.ClusterID)
	if req.SessionID != "" {
		if d.sessions == nil {
			return nil, internalerrors.New(internalerrors.KindValidation, "execute", fmt.Errorf("sessions are not enabled"))
		}
		sess, err := d.sessions.Touch(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if clusterID == "" {
			clusterID = sess.ClusterID
		}
		if clusterID != sess.ClusterID {
			return nil, internalerrors.New(internalerrors.KindValidation, "execute",
				fmt.Errorf("session %s is bound to cluster %s", sess.ID, sess.ClusterID)).WithCluster(clusterID)
		}
	}
	if err := models.ValidateClusterID(clusterID); err != nil {
		return nil, internalerrors.New(internalerrors.KindValidation, "execute", err)
	}

	timeout := d.cfg.DefaultTimeout
	if req.TimeoutMs < 0 {
		return nil, internalerrors.New(internalerrors.KindValidation, "execute", fmt.Errorf("timeout cannot be negative"))
	}
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > d.cfg.MaxTimeout {
		return nil, internalerrors.New(internalerrors.KindValidation, "execute",
			fmt.Errorf("timeout cannot exceed %s", d.cfg.MaxTimeout))
	}

	return &agentsexec.Command{
		ID:          ulid.Make().String(),
		ClusterID:   clusterID,
		SessionID:   req.SessionID,
		Args:        append([]string(nil), req.Args...),
		SubmittedAt: d.now().UTC(),
		TimeoutMs:   timeout.Milliseconds(),
	}, nil
}

func validateArgs(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("args are required")
	}
	if len(args) > maxArgs {
		return fmt.Errorf("args exceed %d entries", maxArgs)
	}
	total := 0
	for i, arg := range args {
		if arg == "" {
			return fmt.Errorf("arg %d is empty", i)
		}
		if len(arg) > maxArgLength {
			return fmt.Errorf("arg %d exceeds %d characters", i, maxArgLength)
		}
		for _, r := range arg {
			if unicode.IsControl(r) {
				return fmt.Errorf("arg %d contains invalid control characters", i)
			}
		}
		total += len(arg)
	}
	if total > maxTotalArgsLen {
		return fmt.Errorf("args exceed %d characters in total", maxTotalArgsLen)
	}
	return nil
}

// MarkDispatched records that cmd was handed to an executor.
func (d *Dispatcher) MarkDispatched(ctx context.Context, cmd agentsexec.Command) error {
	return d.setState(ctx, cmd.ID, cmd.ClusterID, models.CommandDispatched)
}

// MarkPending returns a command to the pending state after a failed handoff.
func (d *Dispatcher) MarkPending(ctx context.Context, cmd agentsexec.Command) error {
	return d.setState(ctx, cmd.ID, cmd.ClusterID, models.CommandPending)
}

// HandleExpired is the queue's expiry hook. It stores a delivery_timeout result so a caller
// still waiting learns the outcome without waiting for its own deadline.
func (d *Dispatcher) HandleExpired(ctx context.Context, cmd agentsexec.Command) {
	ctx = context.WithoutCancel(ctx)
	if err := d.setState(ctx, cmd.ID, cmd.ClusterID, models.CommandExpired); err != nil {
		d.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to record expired command")
	}
	err := d.results.Store(ctx, agentsexec.Result{
		CommandID: cmd.ID,
		Success:   false,
		Error:     "command expired before an executor picked it up",
		Outcome:   agentsexec.OutcomeDeliveryTimeout,
	})
	if err != nil && !errors.Is(err, internalerrors.ErrDuplicateResult) {
		d.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to record delivery timeout")
	}
}

// CommandCluster returns the cluster a live command was queued for, or ErrNotFound once the
// command is unknown or its record has expired.
func (d *Dispatcher) CommandCluster(ctx context.Context, commandID string) (string, error) {
	record, err := d.record(ctx, commandID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", internalerrors.New(internalerrors.KindNotFound, "lookup_command", nil).WithCommand(commandID)
	}
	return record.ClusterID, nil
}

// MarkCompleted records that a result was accepted for commandID.
func (d *Dispatcher) MarkCompleted(ctx context.Context, commandID, clusterID string) error {
	return d.setState(ctx, commandID, clusterID, models.CommandCompleted)
}

// State returns the recorded state of commandID.
func (d *Dispatcher) State(ctx context.Context, commandID string) (models.CommandState, error) {
	record, err := d.record(ctx, commandID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", internalerrors.New(internalerrors.KindNotFound, "command_state", nil).WithCommand(commandID)
	}
	return record.State, nil
}

func (d *Dispatcher) setState(ctx context.Context, commandID, clusterID string, state models.CommandState) error {
	data, err := json.Marshal(commandRecord{State: state, ClusterID: clusterID, UpdatedAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode command state: %w", err)
	}
	// Kept as long as the result so a late result can still be attributed.
	if err := d.kv.Set(ctx, store.CommandStateKey(commandID), data, d.results.TTL()); err != nil {
		return fmt.Errorf("record command %s as %s: %w", commandID, state, err)
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, commandID string) (*commandRecord, error) {
	data, ok, err := d.kv.Get(ctx, store.CommandStateKey(commandID))
	if err != nil {
		return nil, fmt.Errorf("load command state %s: %w", commandID, err)
	}
	if !ok {
		return nil, nil
	}
	var record commandRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode command state %s: %w", commandID, err)
	}
	return &record, nil
}
