// Package session manages the bounded-lifetime binding between a client and one cluster.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/store"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 300 * time.Second

// Manager creates, looks up and ends sessions. Expiry is enforced by the store's TTL.
type Manager struct {
	kv     store.KVBackend
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager storing sessions in kv with the given ttl.
func NewManager(kv store.KVBackend, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		kv:     kv,
		ttl:    ttl,
		now:    time.Now,
		logger: log.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create starts a new session bound to clusterID.
func (m *Manager) Create(ctx context.Context, clusterID, serviceIdentity string) (*models.Session, error) {
	clusterID = strings.TrimSpace(clusterID)
	if err := models.ValidateClusterID(clusterID); err != nil {
		return nil, internalerrors.New(internalerrors.KindValidation, "create_session", err)
	}

	now := m.now()
	s := &models.Session{
		ID:              uuid.NewString(),
		ClusterID:       clusterID,
		ServiceIdentity: strings.TrimSpace(serviceIdentity),
		CreatedAt:       now,
		TTLSeconds:      int(m.ttl / time.Second),
		ExpiresAt:       now.Add(m.ttl),
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("session_id", s.ID).
		Str("cluster_id", s.ClusterID).
		Str("identity", s.ServiceIdentity).
		Msg("Session created")
	return s, nil
}

// Get returns the session or ErrNotFound once it has expired or ended.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, internalerrors.New(internalerrors.KindNotFound, "get_session", nil)
	}
	data, ok, err := m.kv.Get(ctx, store.SessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if !ok {
		return nil, internalerrors.New(internalerrors.KindNotFound, "get_session", nil)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Expired(m.now()) {
		return nil, internalerrors.New(internalerrors.KindNotFound, "get_session", nil)
	}
	return &s, nil
}

// Touch extends a live session by a full TTL from now.
func (m *Manager) Touch(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.ExpiresAt = m.now().Add(m.ttl)
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// End removes the session. Ending an unknown or expired session is not an error.
func (m *Manager) End(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	if err := m.kv.Delete(ctx, store.SessionKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	m.logger.Info().Str("session_id", id).Msg("Session ended")
	return nil
}

func (m *Manager) save(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := s.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return internalerrors.New(internalerrors.KindNotFound, "save_session", nil)
	}
	if err := m.kv.Set(ctx, store.SessionKey(s.ID), data, ttl); err != nil {
		return fmt.Errorf("store session %s: %w", s.ID, err)
	}
	return nil
}
