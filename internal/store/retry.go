package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
)

// RetryPolicy bounds how hard Retrying tries before reporting the store unavailable.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is used when a zero RetryPolicy is given.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
}

// Retrying wraps a Backend, retrying transient failures with capped exponential backoff.
// Failures that survive every attempt are reported as ErrStoreUnavailable.
type Retrying struct {
	next   Backend
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
}

// NewRetrying wraps next.
func NewRetrying(next Backend, policy RetryPolicy) *Retrying {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return &Retrying{next: next, policy: policy, sleep: sleepContext}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	delay := r.policy.InitialDelay
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err = fn()
		if err == nil || !transient(ctx, err) {
			return err
		}
		if attempt == r.policy.Attempts {
			break
		}
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("Store operation failed; retrying")
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	log.Warn().Err(err).Str("op", op).Int("attempts", r.policy.Attempts).Msg("Store unavailable")
	return internalerrors.New(internalerrors.KindStoreUnavailable, op, err)
}

// transient reports whether err is worth another attempt.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, internalerrors.ErrQueueFull):
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retrying) PushTail(ctx context.Context, key string, value []byte, maxLen int) error {
	return r.do(ctx, "push_tail", func() error { return r.next.PushTail(ctx, key, value, maxLen) })
}

func (r *Retrying) PushHead(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "push_head", func() error { return r.next.PushHead(ctx, key, value) })
}

func (r *Retrying) PopHead(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := r.do(ctx, "pop_head", func() error {
		var err error
		value, ok, err = r.next.PopHead(ctx, key)
		return err
	})
	return value, ok, err
}

func (r *Retrying) PopHeadIf(ctx context.Context, key string, match func([]byte) bool) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := r.do(ctx, "pop_head_if", func() error {
		var err error
		value, ok, err = r.next.PopHeadIf(ctx, key, match)
		return err
	})
	return value, ok, err
}

func (r *Retrying) Len(ctx context.Context, key string) (int, error) {
	var n int
	err := r.do(ctx, "len", func() error {
		var err error
		n, err = r.next.Len(ctx, key)
		return err
	})
	return n, err
}

func (r *Retrying) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, "setnx", func() error {
		var err error
		ok, err = r.next.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (r *Retrying) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, "set", func() error { return r.next.Set(ctx, key, value, ttl) })
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := r.do(ctx, "get", func() error {
		var err error
		value, ok, err = r.next.Get(ctx, key)
		return err
	})
	return value, ok, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error { return r.next.Delete(ctx, key) })
}

func (r *Retrying) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	var out map[string][]byte
	err := r.do(ctx, "scan", func() error {
		var err error
		out, err = r.next.Scan(ctx, prefix)
		return err
	})
	return out, err
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func() error { return r.next.Ping(ctx) })
}

func (r *Retrying) Close() error { return r.next.Close() }
