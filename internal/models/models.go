package models

import (
	"fmt"
	"time"

	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// Session binds a client identity to one cluster for a bounded time.
type Session struct {
	ID              string    `json:"session_id"`
	ClusterID       string    `json:"cluster_id"`
	ServiceIdentity string    `json:"service_identity,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	TTLSeconds      int       `json:"ttl_seconds"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AgentToken is the stored form of an executor credential. The raw token is never persisted.
type AgentToken struct {
	ClusterID string     `json:"cluster_id"`
	Hash      string     `json:"hash"`
	Prefix    string     `json:"prefix"`
	Suffix    string     `json:"suffix"`
	CreatedAt time.Time  `json:"created_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Hint returns a masked representation suitable for listings and logs.
func (t *AgentToken) Hint() string {
	if t == nil || t.Prefix == "" {
		return ""
	}
	return t.Prefix + "…" + t.Suffix
}

// CommandState tracks a command through delivery.
type CommandState string

const (
	CommandPending    CommandState = "pending"
	CommandDispatched CommandState = "dispatched"
	CommandCompleted  CommandState = "completed"
	CommandTimedOut   CommandState = "timed_out"
	CommandExpired    CommandState = "expired"
)

// Terminal reports whether no further transition is expected.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandCompleted, CommandTimedOut, CommandExpired:
		return true
	default:
		return false
	}
}

// ClusterTokenStatus is the admin view of a cluster's credential.
type ClusterTokenStatus string

const (
	TokenActive  ClusterTokenStatus = "active"
	TokenRevoked ClusterTokenStatus = "revoked"
	TokenUnknown ClusterTokenStatus = "unknown"
)

// ClusterSummary is one row of the admin cluster listing.
type ClusterSummary struct {
	ID        string     `json:"id"`
	Connected bool       `json:"connected"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Revoked   bool       `json:"revoked"`
	TokenHint string     `json:"token_hint,omitempty"`
}

// ClusterStatus is the detailed admin view of a single cluster.
type ClusterStatus struct {
	ClusterID    string                   `json:"cluster_id"`
	Status       ClusterTokenStatus       `json:"status"`
	Connected    bool                     `json:"connected"`
	LastSeen     *time.Time               `json:"last_seen,omitempty"`
	Mode         agentsexec.SecurityMode  `json:"mode,omitempty"`
	Capabilities *agentsexec.Capabilities `json:"capabilities,omitempty"`
	QueueDepth   int                      `json:"queue_depth"`
}

// MaxClusterIDLength bounds cluster identifiers, which appear in store keys and headers.
const MaxClusterIDLength = 128

// ValidateClusterID accepts letters, digits, '.', '_' and '-'.
func ValidateClusterID(id string) error {
	if id == "" {
		return fmt.Errorf("cluster id is required")
	}
	if len(id) > MaxClusterIDLength {
		return fmt.Errorf("cluster id exceeds %d characters", MaxClusterIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("cluster id contains invalid character %q", r)
		}
	}
	return nil
}
