// Package tokens issues and revokes per-cluster executor credentials and reports which
// executors are connected.
package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/kubebroker/internal/auth"
	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/store"
)

// MinCustomTokenLength is the shortest operator-supplied token accepted by Issue.
const MinCustomTokenLength = 16

// DepthFunc reports the queue depth for a cluster.
type DepthFunc func(ctx context.Context, clusterID string) (int, error)

// Service manages agent tokens. Exactly one token record exists per cluster; issuing a new
// token replaces the previous one.
type Service struct {
	kv       store.KVBackend
	presence *Presence
	depth    DepthFunc
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithQueueDepth lets ClusterStatus report queue depth.
func WithQueueDepth(fn DepthFunc) Option {
	return func(s *Service) { s.depth = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a token service backed by kv.
func NewService(kv store.KVBackend, presence *Presence, opts ...Option) *Service {
	s := &Service{
		kv:       kv,
		presence: presence,
		now:      time.Now,
		logger:   log.With().Str("component", "tokens").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a token for clusterID, replacing any existing one. customToken is used when
// non-empty. The raw token is returned once and never stored.
func (s *Service) Issue(ctx context.Context, clusterID, customToken string) (string, *models.AgentToken, error) {
	clusterID = strings.TrimSpace(clusterID)
	if err := models.ValidateClusterID(clusterID); err != nil {
		return "", nil, internalerrors.New(internalerrors.KindValidation, "issue_token", err)
	}

	raw := strings.TrimSpace(customToken)
	if raw != "" {
		if len(raw) < MinCustomTokenLength {
			return "", nil, internalerrors.New(internalerrors.KindValidation, "issue_token",
				fmt.Errorf("custom token must be at least %d characters", MinCustomTokenLength)).WithCluster(clusterID)
		}
	} else {
		generated, err := auth.GenerateToken()
		if err != nil {
			return "", nil, internalerrors.New(internalerrors.KindInternal, "issue_token", err).WithCluster(clusterID)
		}
		raw = generated
	}

	record := &models.AgentToken{
		ClusterID: clusterID,
		Hash:      auth.HashToken(raw),
		Prefix:    tokenPrefix(raw),
		Suffix:    tokenSuffix(raw),
		CreatedAt: s.now().UTC(),
	}
	if err := s.save(ctx, record); err != nil {
		return "", nil, err
	}

	s.logger.Info().
		Str("cluster_id", clusterID).
		Str("token", record.Hint()).
		Bool("custom", customToken != "").
		Msg("Agent token issued")
	return raw, record, nil
}

// Revoke invalidates clusterID's token immediately. Revoking an already revoked token is a no-op.
func (s *Service) Revoke(ctx context.Context, clusterID string) error {
	record, err := s.load(ctx, clusterID)
	if err != nil {
		return err
	}
	if record == nil {
		return internalerrors.New(internalerrors.KindNotFound, "revoke_token", nil).WithCluster(clusterID)
	}
	if record.Revoked {
		return nil
	}

	now := s.now().UTC()
	record.Revoked = true
	record.RevokedAt = &now
	if err := s.save(ctx, record); err != nil {
		return err
	}
	s.logger.Info().Str("cluster_id", clusterID).Str("token", record.Hint()).Msg("Agent token revoked")
	return nil
}

// ListClusters returns every cluster that has a token record, sorted by id.
func (s *Service) ListClusters(ctx context.Context) ([]models.ClusterSummary, error) {
	entries, err := s.kv.Scan(ctx, store.TokenPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan tokens: %w", err)
	}
	seen, err := s.presence.AllLastSeen(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ClusterSummary, 0, len(entries))
	for key, data := range entries {
		var record models.AgentToken
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping corrupt token record")
			continue
		}
		id := store.TrimPrefix(key, store.TokenPrefix)
		summary := models.ClusterSummary{
			ID:        id,
			Revoked:   record.Revoked,
			TokenHint: record.Hint(),
		}
		if ts, ok := seen[id]; ok {
			summary.LastSeen = &ts
			summary.Connected = !record.Revoked && s.presence.Connected(&ts)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClusterStatus returns the token state, presence and last capability report for clusterID.
// A cluster without a token record has status unknown.
func (s *Service) ClusterStatus(ctx context.Context, clusterID string) (*models.ClusterStatus, error) {
	record, err := s.load(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	status := &models.ClusterStatus{ClusterID: clusterID, Status: models.TokenUnknown}
	switch {
	case record == nil:
	case record.Revoked:
		status.Status = models.TokenRevoked
	default:
		status.Status = models.TokenActive
	}

	lastSeen, err := s.presence.LastSeen(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	status.LastSeen = lastSeen
	status.Connected = status.Status == models.TokenActive && s.presence.Connected(lastSeen)

	caps, err := s.presence.Capabilities(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if caps != nil {
		status.Capabilities = caps
		status.Mode = caps.Mode
	}

	if s.depth != nil {
		if depth, err := s.depth(ctx, clusterID); err == nil {
			status.QueueDepth = depth
		}
	}
	return status, nil
}

func (s *Service) load(ctx context.Context, clusterID string) (*models.AgentToken, error) {
	data, ok, err := s.kv.Get(ctx, store.TokenKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", clusterID, err)
	}
	if !ok {
		return nil, nil
	}
	var record models.AgentToken
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode token for %s: %w", clusterID, err)
	}
	return &record, nil
}

func (s *Service) save(ctx context.Context, record *models.AgentToken) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.kv.Set(ctx, store.TokenKey(record.ClusterID), data, 0); err != nil {
		return fmt.Errorf("store token for %s: %w", record.ClusterID, err)
	}
	return nil
}

func tokenPrefix(value string) string {
	if len(value) <= 6 {
		return value
	}
	return value[:6]
}

func tokenSuffix(value string) string {
	if len(value) <= 4 {
		return value
	}
	return value[len(value)-4:]
}
