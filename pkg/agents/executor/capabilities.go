package executoragent

import (
	"fmt"
	"strings"
	"time"
)

// SecurityMode tiers what an executor is willing to run.
type SecurityMode string

const (
	ModeReadOnly         SecurityMode = "readOnly"
	ModeExtendedReadOnly SecurityMode = "extendedReadOnly"
	ModeFullAccess       SecurityMode = "fullAccess"
)

// ParseSecurityMode accepts the canonical names plus the snake/kebab spellings used in env vars.
func ParseSecurityMode(value string) (SecurityMode, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(value)))
	switch normalized {
	case "", "readonly":
		return ModeReadOnly, nil
	case "extendedreadonly":
		return ModeExtendedReadOnly, nil
	case "fullaccess":
		return ModeFullAccess, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", value)
	}
}

// Capabilities is what an executor reports about itself. The broker only displays it;
// enforcement happens on the executor from its own policy file.
type Capabilities struct {
	ClusterID           string          `json:"cluster_id"`
	Mode                SecurityMode    `json:"mode"`
	AllowedVerbs        []string        `json:"allowed_verbs"`
	RestrictedResources []string        `json:"restricted_resources"`
	AllowedFlags        []string        `json:"allowed_flags"`
	ExecutorVersion     string          `json:"executor_version"`
	KubernetesVersion   string          `json:"kubernetes_version,omitempty"`
	ReportedAt          time.Time       `json:"reported_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
	Features            map[string]bool `json:"features,omitempty"`
}

// Expired reports whether the report is stale at now.
func (c Capabilities) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
