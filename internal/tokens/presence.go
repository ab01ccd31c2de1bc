package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rcourtman/kubebroker/internal/metrics"
	"github.com/rcourtman/kubebroker/internal/store"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

const (
	// DefaultFreshness is how recently an executor must have polled to count as connected.
	DefaultFreshness = 60 * time.Second
	// DefaultCapabilityTTL is applied to capability reports that carry no expiry of their own.
	DefaultCapabilityTTL = 5 * time.Minute

	heartbeatRetention = 24 * time.Hour
	capsCacheSize      = 1024
	capsCacheTTL       = 30 * time.Second
)

// Presence tracks executor heartbeats and their latest capability reports. Heartbeats and
// capabilities live in the shared store; capabilities are also cached locally for a short time.
type Presence struct {
	kv        store.KVBackend
	freshness time.Duration
	now       func() time.Time
	caps      *expirable.LRU[string, agentsexec.Capabilities]
}

// PresenceOption configures a Presence.
type PresenceOption func(*Presence)

// WithFreshness sets the connected window.
func WithFreshness(d time.Duration) PresenceOption {
	return func(p *Presence) {
		if d > 0 {
			p.freshness = d
		}
	}
}

// WithPresenceClock replaces time.Now.
func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(p *Presence) { p.now = now }
}

// NewPresence returns a tracker backed by kv.
func NewPresence(kv store.KVBackend, opts ...PresenceOption) *Presence {
	p := &Presence{
		kv:        kv,
		freshness: DefaultFreshness,
		now:       time.Now,
		caps:      expirable.NewLRU[string, agentsexec.Capabilities](capsCacheSize, nil, capsCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Freshness returns the connected window.
func (p *Presence) Freshness() time.Duration { return p.freshness }

// Heartbeat records that clusterID's executor was seen now.
func (p *Presence) Heartbeat(ctx context.Context, clusterID string) error {
	stamp := p.now().UTC().Format(time.RFC3339Nano)
	if err := p.kv.Set(ctx, store.HeartbeatKey(clusterID), []byte(stamp), heartbeatRetention); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", clusterID, err)
	}
	metrics.ExecutorHeartbeatsTotal.WithLabelValues(clusterID).Inc()
	return nil
}

// LastSeen returns the last heartbeat for clusterID, or nil if none is retained.
func (p *Presence) LastSeen(ctx context.Context, clusterID string) (*time.Time, error) {
	data, ok, err := p.kv.Get(ctx, store.HeartbeatKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("load heartbeat for %s: %w", clusterID, err)
	}
	if !ok {
		return nil, nil
	}
	return parseStamp(data)
}

// AllLastSeen returns every retained heartbeat keyed by cluster id.
func (p *Presence) AllLastSeen(ctx context.Context) (map[string]time.Time, error) {
	entries, err := p.kv.Scan(ctx, store.HeartbeatPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	out := make(map[string]time.Time, len(entries))
	for key, data := range entries {
		ts, err := parseStamp(data)
		if err != nil || ts == nil {
			continue
		}
		out[store.TrimPrefix(key, store.HeartbeatPrefix)] = *ts
	}
	return out, nil
}

// Connected reports whether lastSeen falls inside the freshness window.
func (p *Presence) Connected(lastSeen *time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return p.now().Sub(*lastSeen) <= p.freshness
}

// ReportCapabilities stores caps as the latest report for its cluster and counts as a heartbeat.
func (p *Presence) ReportCapabilities(ctx context.Context, caps agentsexec.Capabilities) error {
	if caps.ClusterID == "" {
		return fmt.Errorf("capabilities without cluster id")
	}
	now := p.now()
	if caps.ReportedAt.IsZero() {
		caps.ReportedAt = now
	}
	if caps.ExpiresAt.IsZero() {
		caps.ExpiresAt = caps.ReportedAt.Add(DefaultCapabilityTTL)
	}

	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	// Kept until superseded by the next report.
	if err := p.kv.Set(ctx, store.CapabilitiesKey(caps.ClusterID), data, 0); err != nil {
		return fmt.Errorf("store capabilities for %s: %w", caps.ClusterID, err)
	}
	p.caps.Add(caps.ClusterID, caps)
	return p.Heartbeat(ctx, caps.ClusterID)
}

// Capabilities returns the latest report for clusterID, or nil if none was ever received.
// Stale reports are returned as-is; callers check Expired.
func (p *Presence) Capabilities(ctx context.Context, clusterID string) (*agentsexec.Capabilities, error) {
	if caps, ok := p.caps.Get(clusterID); ok {
		return &caps, nil
	}
	data, ok, err := p.kv.Get(ctx, store.CapabilitiesKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("load capabilities for %s: %w", clusterID, err)
	}
	if !ok {
		return nil, nil
	}
	var caps agentsexec.Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", clusterID, err)
	}
	p.caps.Add(clusterID, caps)
	return &caps, nil
}

func parseStamp(data []byte) (*time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat: %w", err)
	}
	return &ts, nil
}
