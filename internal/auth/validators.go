// Package auth verifies the three credential realms of the broker: client API keys, per-cluster
// agent tokens, and the administrative credential.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/kubebroker/internal/logging"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/store"
)

// Validator checks a single opaque credential and returns the identity it belongs to.
type Validator interface {
	Validate(credential string) (bool, string)
}

// AgentVerifier checks an executor's bearer token for a cluster.
type AgentVerifier interface {
	VerifyAgentToken(ctx context.Context, clusterID, token string) bool
}

type apiKey struct {
	name string
	hash []byte
}

// APIKeyValidator accepts any of a fixed set of client API keys.
type APIKeyValidator struct {
	keys []apiKey
}

// NewAPIKeyValidator parses entries of the form "name:key" or "name:sha256:<hex>". A bare key
// without a name is accepted and reported as "client".
func NewAPIKeyValidator(entries []string) (*APIKeyValidator, error) {
	v := &APIKeyValidator{}
	for i, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		name, secret, found := strings.Cut(entry, ":")
		if !found {
			name, secret = "client", entry
		}
		name = strings.TrimSpace(name)
		if name == "" || secret == "" {
			return nil, fmt.Errorf("api key %d: name and key are required", i)
		}

		var hash []byte
		if hexHash, ok := strings.CutPrefix(secret, "sha256:"); ok {
			decoded, err := hex.DecodeString(hexHash)
			if err != nil || len(decoded) != 32 {
				return nil, fmt.Errorf("api key %q: invalid sha256 digest", name)
			}
			hash = decoded
		} else {
			decoded, _ := hex.DecodeString(HashToken(secret))
			hash = decoded
		}
		v.keys = append(v.keys, apiKey{name: name, hash: hash})
	}
	return v, nil
}

// Len returns the number of configured keys.
func (v *APIKeyValidator) Len() int { return len(v.keys) }

// Validate compares credential against every configured key so the time taken does not reveal
// which key, if any, matched.
func (v *APIKeyValidator) Validate(credential string) (bool, string) {
	if credential == "" || len(v.keys) == 0 {
		return false, ""
	}
	candidate, _ := hex.DecodeString(HashToken(credential))

	matched := ""
	for _, key := range v.keys {
		if subtle.ConstantTimeCompare(candidate, key.hash) == 1 && matched == "" {
			matched = key.name
		}
	}
	return matched != "", matched
}

// AdminValidator checks the administrative credential. The configured secret may be a bcrypt
// hash or a plain value.
type AdminValidator struct {
	bcryptHash string
	plainHash  []byte
}

// NewAdminValidator returns a validator for secret. An empty secret disables admin access.
func NewAdminValidator(secret string) *AdminValidator {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return &AdminValidator{}
	case IsBcryptHash(secret):
		return &AdminValidator{bcryptHash: secret}
	default:
		decoded, _ := hex.DecodeString(HashToken(secret))
		return &AdminValidator{plainHash: decoded}
	}
}

// Enabled reports whether an admin credential is configured.
func (v *AdminValidator) Enabled() bool {
	return v.bcryptHash != "" || len(v.plainHash) > 0
}

func (v *AdminValidator) Validate(credential string) (bool, string) {
	if credential == "" || !v.Enabled() {
		return false, ""
	}
	if v.bcryptHash != "" {
		if CheckPasswordHash(credential, v.bcryptHash) {
			return true, "admin"
		}
		return false, ""
	}
	candidate, _ := hex.DecodeString(HashToken(credential))
	if subtle.ConstantTimeCompare(candidate, v.plainHash) == 1 {
		return true, "admin"
	}
	return false, ""
}

// AgentTokenVerifier checks executor tokens against the records written by the token service.
type AgentTokenVerifier struct {
	kv     store.KVBackend
	logger zerolog.Logger
}

// NewAgentTokenVerifier returns a verifier reading token records from kv.
func NewAgentTokenVerifier(kv store.KVBackend) *AgentTokenVerifier {
	return &AgentTokenVerifier{
		kv:     kv,
		logger: log.With().Str("component", "auth").Logger(),
	}
}

// VerifyAgentToken fails closed: an unknown cluster, a revoked token, a malformed record or a
// store error all deny.
func (v *AgentTokenVerifier) VerifyAgentToken(ctx context.Context, clusterID, token string) bool {
	clusterID = strings.TrimSpace(clusterID)
	if clusterID == "" || token == "" {
		return false
	}

	data, ok, err := v.kv.Get(ctx, store.TokenKey(clusterID))
	if err != nil {
		v.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Agent token lookup failed; denying")
		return false
	}
	if !ok {
		return false
	}

	var record models.AgentToken
	if err := json.Unmarshal(data, &record); err != nil {
		v.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Corrupt agent token record; denying")
		return false
	}
	if record.Revoked || record.Hash == "" {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(record.Hash)) != 1 {
		v.logger.Debug().
			Str("cluster_id", clusterID).
			Str("token", logging.TokenHint(token)).
			Msg("Agent token mismatch")
		return false
	}
	return true
}
