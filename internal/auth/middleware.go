package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/logging"
	"github.com/rcourtman/kubebroker/internal/metrics"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// Credential headers.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderAdminToken = "X-Admin-Token"
)

// Realm names, also used as metric labels.
const (
	RealmAPIKey = "api_key"
	RealmAgent  = "agent_token"
	RealmAdmin  = "admin"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Realm     string
	Name      string
	ClusterID string
}

type contextKey string

const contextKeyIdentity contextKey = "identity"

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFrom returns the identity placed in ctx by one of the Require middlewares.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}

// PathMethod names a route exempt from authentication. An empty Method matches any method.
type PathMethod struct {
	Path   string
	Method string
}

// SkipPaths is the explicit list of unauthenticated routes.
type SkipPaths []PathMethod

// DefaultSkipPaths exempts the health and metrics endpoints.
var DefaultSkipPaths = SkipPaths{
	{Path: "/health", Method: http.MethodGet},
	{Path: "/metrics", Method: http.MethodGet},
}

// Match reports whether r targets an exempt route.
func (s SkipPaths) Match(r *http.Request) bool {
	for _, pm := range s {
		if pm.Path != r.URL.Path {
			continue
		}
		if pm.Method == "" || strings.EqualFold(pm.Method, r.Method) {
			return true
		}
	}
	return false
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware builds the per-realm authentication handlers.
type Middleware struct {
	APIKeys    Validator
	Admin      Validator
	Agents     AgentVerifier
	Skip       SkipPaths
	WriteError ErrorWriter
}

// RequireAPIKey authenticates clients by the X-API-Key header.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip.Match(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
		ok, name := false, ""
		if m.APIKeys != nil {
			ok, name = m.APIKeys.Validate(key)
		}
		if !ok {
			m.deny(w, r, RealmAPIKey, "missing or invalid API key")
			return
		}
		ctx := WithIdentity(r.Context(), Identity{Realm: RealmAPIKey, Name: name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAgentToken authenticates executors by bearer token and X-Cluster-Id.
func (m *Middleware) RequireAgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip.Match(r) {
			next.ServeHTTP(w, r)
			return
		}
		clusterID := strings.TrimSpace(r.Header.Get(agentsexec.HeaderClusterID))
		token := BearerToken(r)
		if m.Agents == nil || !m.Agents.VerifyAgentToken(r.Context(), clusterID, token) {
			m.deny(w, r, RealmAgent, "missing or invalid agent token")
			return
		}
		ctx := WithIdentity(r.Context(), Identity{Realm: RealmAgent, Name: clusterID, ClusterID: clusterID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin authenticates the administrative credential from X-Admin-Token or a bearer token.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip.Match(r) {
			next.ServeHTTP(w, r)
			return
		}
		credential := strings.TrimSpace(r.Header.Get(HeaderAdminToken))
		if credential == "" {
			credential = BearerToken(r)
		}
		ok, name := false, ""
		if m.Admin != nil {
			ok, name = m.Admin.Validate(credential)
		}
		if !ok {
			m.deny(w, r, RealmAdmin, "missing or invalid admin credential")
			return
		}
		ctx := WithIdentity(r.Context(), Identity{Realm: RealmAdmin, Name: name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, realm, reason string) {
	metrics.AuthFailuresTotal.WithLabelValues(realm).Inc()
	logger := logging.FromContext(r.Context())
	logger.Warn().
		Str("realm", realm).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Msg("Authentication failed")

	err := internalerrors.New(internalerrors.KindAuth, realm, internalerrors.ErrUnauthorized)
	if m.WriteError != nil {
		m.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       reason,
		"code":        string(internalerrors.KindAuth),
		"status_code": http.StatusUnauthorized,
		"timestamp":   time.Now().Unix(),
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
