package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/store"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

func TestHashPasswordRejectsOverlongInput(t *testing.T) {
	// bcrypt has a max length limit of 72 bytes.
	if _, err := HashPassword(strings.Repeat("A", 80)); err == nil {
		t.Error("HashPassword() expected error for long password, got nil")
	}
}

func TestGenerateTokenError(t *testing.T) {
	originalRandRead := randRead
	defer func() { randRead = originalRandRead }()

	randRead = func(b []byte) (n int, err error) {
		return 0, errors.New("forced error")
	}

	if _, err := GenerateToken(); err == nil {
		t.Error("GenerateToken() expected error when rand.Read fails, got nil")
	}
}

func TestGenerateTokenLength(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(token) != TokenBytes*2 {
		t.Fatalf("token length = %d, want %d", len(token), TokenBytes*2)
	}
}

func TestAPIKeyValidator(t *testing.T) {
	v, err := NewAPIKeyValidator([]string{
		"assistant:plain-secret-key",
		"ops:sha256:" + HashToken("hashed-secret"),
		"  ",
		"bare-key-value",
	})
	if err != nil {
		t.Fatalf("NewAPIKeyValidator: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("Len = %d, want 3", v.Len())
	}

	cases := []struct {
		credential string
		ok         bool
		name       string
	}{
		{"plain-secret-key", true, "assistant"},
		{"hashed-secret", true, "ops"},
		{"bare-key-value", true, "client"},
		{"", false, ""},
		{"wrong", false, ""},
		{"sha256:" + HashToken("hashed-secret"), false, ""},
	}
	for _, tc := range cases {
		ok, name := v.Validate(tc.credential)
		if ok != tc.ok || name != tc.name {
			t.Fatalf("Validate(%q) = %v, %q; want %v, %q", tc.credential, ok, name, tc.ok, tc.name)
		}
	}
}

func TestAPIKeyValidatorRejectsMalformedConfig(t *testing.T) {
	for _, entries := range [][]string{
		{":secret"},
		{"name:"},
		{"name:sha256:not-hex"},
		{"name:sha256:abcd"},
	} {
		if _, err := NewAPIKeyValidator(entries); err == nil {
			t.Fatalf("expected error for %q", entries)
		}
	}
}

func TestAdminValidator(t *testing.T) {
	if NewAdminValidator("").Enabled() {
		t.Fatal("empty secret must disable admin access")
	}
	if ok, _ := NewAdminValidator("").Validate(""); ok {
		t.Fatal("disabled validator must deny")
	}

	plain := NewAdminValidator("correct horse battery")
	if ok, name := plain.Validate("correct horse battery"); !ok || name != "admin" {
		t.Fatalf("plain secret rejected: %v %q", ok, name)
	}
	if ok, _ := plain.Validate("wrong"); ok {
		t.Fatal("wrong plain secret accepted")
	}

	hash, err := HashPassword("bcrypt-admin-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !IsBcryptHash(hash) {
		t.Fatalf("IsBcryptHash(%q) = false", hash)
	}
	hashed := NewAdminValidator(hash)
	if ok, _ := hashed.Validate("bcrypt-admin-secret"); !ok {
		t.Fatal("bcrypt secret rejected")
	}
	if ok, _ := hashed.Validate(hash); ok {
		t.Fatal("the hash itself must not authenticate")
	}
}

func putToken(t *testing.T, kv store.KVBackend, record models.AgentToken) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := kv.Set(context.Background(), store.TokenKey(record.ClusterID), data, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

type failingKV struct{ store.KVBackend }

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestAgentTokenVerifierFailsClosed(t *testing.T) {
	kv := store.NewMemory(store.WithSweepInterval(0))
	defer kv.Close()
	ctx := context.Background()

	putToken(t, kv, models.AgentToken{ClusterID: "prod", Hash: HashToken("prod-token-123456"), CreatedAt: time.Now()})
	revokedAt := time.Now()
	putToken(t, kv, models.AgentToken{ClusterID: "old", Hash: HashToken("old-token-1234567"), Revoked: true, RevokedAt: &revokedAt})
	if err := kv.Set(ctx, store.TokenKey("corrupt"), []byte("{"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v := NewAgentTokenVerifier(kv)
	cases := []struct {
		name    string
		cluster string
		token   string
		ok      bool
	}{
		{"valid", "prod", "prod-token-123456", true},
		{"wrong token", "prod", "prod-token-654321", false},
		{"token for other cluster", "staging", "prod-token-123456", false},
		{"revoked", "old", "old-token-1234567", false},
		{"corrupt record", "corrupt", "anything", false},
		{"empty cluster", "", "prod-token-123456", false},
		{"empty token", "prod", "", false},
	}
	for _, tc := range cases {
		if got := v.VerifyAgentToken(ctx, tc.cluster, tc.token); got != tc.ok {
			t.Fatalf("%s: VerifyAgentToken = %v, want %v", tc.name, got, tc.ok)
		}
	}

	broken := NewAgentTokenVerifier(failingKV{kv})
	if broken.VerifyAgentToken(ctx, "prod", "prod-token-123456") {
		t.Fatal("store error must deny")
	}
}

type stubAgents map[string]string

func (s stubAgents) VerifyAgentToken(_ context.Context, clusterID, token string) bool {
	want, ok := s[clusterID]
	return ok && want == token
}

func TestMiddleware(t *testing.T) {
	keys, _ := NewAPIKeyValidator([]string{"assistant:client-key"})
	m := &Middleware{
		APIKeys: keys,
		Admin:   NewAdminValidator("admin-secret"),
		Agents:  stubAgents{"prod": "agent-token"},
		Skip:    DefaultSkipPaths,
	}

	var seen Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name     string
		wrap     func(http.Handler) http.Handler
		method   string
		path     string
		headers  map[string]string
		status   int
		identity Identity
	}{
		{"api key ok", m.RequireAPIKey, http.MethodPost, "/debug/session", map[string]string{HeaderAPIKey: "client-key"}, http.StatusNoContent, Identity{Realm: RealmAPIKey, Name: "assistant"}},
		{"api key missing", m.RequireAPIKey, http.MethodPost, "/debug/session", nil, http.StatusUnauthorized, Identity{}},
		{"agent ok", m.RequireAgentToken, http.MethodGet, "/agent/commands", map[string]string{"Authorization": "Bearer agent-token", agentsexec.HeaderClusterID: "prod"}, http.StatusNoContent, Identity{Realm: RealmAgent, Name: "prod", ClusterID: "prod"}},
		{"agent wrong cluster", m.RequireAgentToken, http.MethodGet, "/agent/commands", map[string]string{"Authorization": "Bearer agent-token", agentsexec.HeaderClusterID: "dev"}, http.StatusUnauthorized, Identity{}},
		{"agent missing bearer", m.RequireAgentToken, http.MethodGet, "/agent/commands", map[string]string{"Authorization": "agent-token", agentsexec.HeaderClusterID: "prod"}, http.StatusUnauthorized, Identity{}},
		{"admin header", m.RequireAdmin, http.MethodGet, "/admin/clusters", map[string]string{HeaderAdminToken: "admin-secret"}, http.StatusNoContent, Identity{Realm: RealmAdmin, Name: "admin"}},
		{"admin bearer", m.RequireAdmin, http.MethodGet, "/admin/clusters", map[string]string{"Authorization": "bearer admin-secret"}, http.StatusNoContent, Identity{Realm: RealmAdmin, Name: "admin"}},
		{"admin rejects api key", m.RequireAdmin, http.MethodGet, "/admin/clusters", map[string]string{HeaderAPIKey: "client-key"}, http.StatusUnauthorized, Identity{}},
		{"skip health", m.RequireAPIKey, http.MethodGet, "/health", nil, http.StatusNoContent, Identity{}},
		{"skip is method specific", m.RequireAPIKey, http.MethodPost, "/health", nil, http.StatusUnauthorized, Identity{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(tc.method, tc.path, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			tc.wrap(handler).ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			if seen != tc.identity {
				t.Fatalf("identity = %+v, want %+v", seen, tc.identity)
			}
			if tc.status == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"code":"auth"`) {
				t.Fatalf("unexpected error body %s", rec.Body.String())
			}
		})
	}
}

func TestMiddlewareUsesErrorWriter(t *testing.T) {
	var got error
	m := &Middleware{WriteError: func(w http.ResponseWriter, r *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	}}
	rec := httptest.NewRecorder()
	m.RequireAPIKey(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if !errors.Is(got, internalerrors.ErrUnauthorized) {
		t.Fatalf("error writer got %v, want unauthorized", got)
	}
}
