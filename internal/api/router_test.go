package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/kubebroker/internal/agentexec"
	"github.com/rcourtman/kubebroker/internal/auth"
	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/results"
	"github.com/rcourtman/kubebroker/internal/session"
	"github.com/rcourtman/kubebroker/internal/store"
	"github.com/rcourtman/kubebroker/internal/tokens"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

const (
	testAPIKey = "client-api-key"
	testAdmin  = "admin-secret-value"
)

type testBroker struct {
	server *httptest.Server
	queue  *queue.Queue
	tokens *tokens.Service
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestBroker(t *testing.T, mutate func(*Deps)) *testBroker {
	t.Helper()
	kv := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = kv.Close() })

	res := results.New(kv, time.Minute, results.WithPollInterval(20*time.Millisecond))
	sessions := session.NewManager(kv, time.Minute)
	presence := tokens.NewPresence(kv)
	tokenSvc := tokens.NewService(kv, presence)

	var dispatcher *agentexec.Dispatcher
	q := queue.New(kv, queue.Config{MaxDepth: 2, PollInterval: 20 * time.Millisecond},
		queue.WithExpiredHandler(func(ctx context.Context, cmd agentsexec.Command) { dispatcher.HandleExpired(ctx, cmd) }))
	q2 := q
	dispatcher = agentexec.NewDispatcher(q2, res, sessions, kv, agentexec.DispatcherConfig{DefaultTimeout: 2 * time.Second, MaxTimeout: 5 * time.Second})

	keys, err := auth.NewAPIKeyValidator([]string{"assistant:" + testAPIKey})
	require.NoError(t, err)

	deps := Deps{
		Store:      kv,
		Queue:      q,
		Results:    res,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Tokens:     tokenSvc,
		Presence:   presence,
		Auth: &auth.Middleware{
			APIKeys: keys,
			Admin:   auth.NewAdminValidator(testAdmin),
			Agents:  auth.NewAgentTokenVerifier(kv),
			Skip:    auth.DefaultSkipPaths,
		},
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testBroker{server: srv, queue: q, tokens: tokenSvc}
}

func (b *testBroker) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, b.server.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func apiKey() map[string]string { return map[string]string{auth.HeaderAPIKey: testAPIKey} }
func admin() map[string]string  { return map[string]string{auth.HeaderAdminToken: testAdmin} }

func agent(clusterID, token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token, agentsexec.HeaderClusterID: clusterID}
}

func decodeAPIError(t *testing.T, data []byte) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(data, &apiErr), string(data))
	return apiErr
}

func TestHealthAndMetricsAreUnauthenticated(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, body := b.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","store":"connected","version":"test"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = b.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kubebroker_http_requests_total")
}

func TestHealthReportsStoreOutage(t *testing.T) {
	b := newTestBroker(t, func(d *Deps) {
		d.Store = pingerFunc(func(context.Context) error { return errors.New("database is locked") })
	})
	resp, body := b.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"store":"disconnected"`)
	assert.NotContains(t, string(body), "locked")
}

func TestSessionLifecycle(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, body := b.do(t, http.MethodPost, "/debug/session", nil, map[string]string{"cluster_id": "prod"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	apiErr := decodeAPIError(t, body)
	assert.Equal(t, "auth", apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)

	resp, body = b.do(t, http.MethodPost, "/debug/session", apiKey(), map[string]string{"cluster_id": "prod"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		SessionID       string `json:"session_id"`
		ClusterID       string `json:"cluster_id"`
		TTLSeconds      int    `json:"ttl_seconds"`
		ServiceIdentity string `json:"service_identity"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "prod", created.ClusterID)
	assert.Equal(t, 60, created.TTLSeconds)
	assert.Equal(t, "assistant", created.ServiceIdentity)

	resp, _ = b.do(t, http.MethodGet, "/debug/session/"+created.SessionID, apiKey(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.do(t, http.MethodDelete, "/debug/session/"+created.SessionID, apiKey(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = b.do(t, http.MethodDelete, "/debug/session/"+created.SessionID, apiKey(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "ending twice is fine")

	resp, body = b.do(t, http.MethodGet, "/debug/session/"+created.SessionID, apiKey(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeAPIError(t, body).Code)

	resp, _ = b.do(t, http.MethodPost, "/debug/session", apiKey(), map[string]string{"cluster_id": "bad id"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = b.do(t, http.MethodPost, "/debug/session", apiKey(), `{"cluster":"prod"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestExecuteThroughAgentEndpoints(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, body := b.do(t, http.MethodPost, "/admin/clusters/prod/token", admin(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	var issued issueTokenResponse
	require.NoError(t, json.Unmarshal(body, &issued))
	require.NotEmpty(t, issued.Token)

	// A simulated executor: one long-poll, then post the result.
	agentDone := make(chan error, 1)
	go func() {
		resp, body := b.do(t, http.MethodGet, "/agent/commands?wait=5", agent("prod", issued.Token), nil)
		if resp.StatusCode != http.StatusOK {
			agentDone <- errors.New("poll status " + resp.Status)
			return
		}
		var poll agentsexec.PollResponse
		if err := json.Unmarshal(body, &poll); err != nil || len(poll.Commands) != 1 {
			agentDone <- errors.New("bad poll body " + string(body))
			return
		}
		resp, _ = b.do(t, http.MethodPost, "/agent/results", agent("prod", issued.Token), agentsexec.Result{
			CommandID:       poll.Commands[0].ID,
			Success:         true,
			Output:          "NAME   STATUS\nweb-1  Running",
			ExecutionTimeMs: 17,
		})
		if resp.StatusCode != http.StatusOK {
			agentDone <- errors.New("result status " + resp.Status)
			return
		}
		agentDone <- nil
	}()

	resp, body = b.do(t, http.MethodPost, "/debug/execute", apiKey(), agentexec.ExecuteRequest{ClusterID: "prod", Args: []string{"get", "pods"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out executeResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Contains(t, out.Output, "web-1")
	assert.Equal(t, int64(17), out.ExecutionTimeMs)
	require.NoError(t, <-agentDone)

	resp, _ = b.do(t, http.MethodGet, "/agent/commands?wait=0", agent("prod", "wrong-token"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = b.do(t, http.MethodGet, "/agent/commands?wait=0", agent("prod", issued.Token), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestExecuteFailureCodes(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, body := b.do(t, http.MethodPost, "/debug/execute", apiKey(), agentexec.ExecuteRequest{ClusterID: "prod"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeAPIError(t, body).Code)

	resp, body = b.do(t, http.MethodPost, "/debug/execute", apiKey(), agentexec.ExecuteRequest{ClusterID: "idle", Args: []string{"get", "ns"}, TimeoutMs: 100})
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	apiErr := decodeAPIError(t, body)
	assert.Equal(t, "delivery_timeout", apiErr.Code)
	assert.NotEmpty(t, apiErr.Details["command_id"])

	for i := 0; i < 2; i++ {
		require.NoError(t, b.queue.Push(context.Background(), agentsexec.Command{
			ID: "filler-" + string(rune('a'+i)), ClusterID: "busy", SubmittedAt: time.Now(), TimeoutMs: 60000,
		}))
	}
	resp, body = b.do(t, http.MethodPost, "/debug/execute", apiKey(), agentexec.ExecuteRequest{ClusterID: "busy", Args: []string{"get", "ns"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "queue_full", decodeAPIError(t, body).Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAdminEndpoints(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, _ := b.do(t, http.MethodGet, "/admin/clusters", apiKey(), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "API keys are not admin credentials")

	resp, body := b.do(t, http.MethodPost, "/admin/clusters/prod/token", admin(), map[string]string{"token": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = b.do(t, http.MethodPost, "/admin/clusters/prod/token", admin(), map[string]string{"token": "an-operator-chosen-token"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = b.do(t, http.MethodGet, "/admin/clusters", admin(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Clusters []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
			Revoked   bool   `json:"revoked"`
		} `json:"clusters"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Clusters, 1)
	assert.Equal(t, "prod", list.Clusters[0].ID)
	assert.False(t, list.Clusters[0].Connected)

	resp, _ = b.do(t, http.MethodPost, "/agent/capabilities", agent("prod", "an-operator-chosen-token"), agentsexec.Capabilities{
		Mode: agentsexec.ModeReadOnly, AllowedVerbs: []string{"get"}, ExecutorVersion: "0.9.0",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = b.do(t, http.MethodGet, "/admin/clusters/prod", admin(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"active"`)
	assert.Contains(t, string(body), `"connected":true`)
	assert.Contains(t, string(body), `"mode":"readOnly"`)

	resp, body = b.do(t, http.MethodGet, "/debug/clusters/prod/capabilities", apiKey(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"executor_version":"0.9.0"`)
	resp, _ = b.do(t, http.MethodGet, "/debug/clusters/nowhere/capabilities", apiKey(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = b.do(t, http.MethodDelete, "/admin/clusters/prod/token", admin(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = b.do(t, http.MethodGet, "/agent/commands?wait=0", agent("prod", "an-operator-chosen-token"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "revocation is immediate")
	resp, _ = b.do(t, http.MethodDelete, "/admin/clusters/ghost/token", admin(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = b.do(t, http.MethodGet, "/admin/clusters/prod", admin(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"revoked"`)
}

func TestRateLimitPerIdentity(t *testing.T) {
	b := newTestBroker(t, func(d *Deps) {
		d.RateLimitPerMinute = 1
		d.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		resp, _ := b.do(t, http.MethodGet, "/debug/session/x", apiKey(), nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, body := b.do(t, http.MethodGet, "/debug/session/x", apiKey(), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decodeAPIError(t, body).Code)

	resp, _ = b.do(t, http.MethodGet, "/admin/clusters", admin(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "other identities have their own bucket")
}

func TestBodyLimitAndUnknownRoutes(t *testing.T) {
	b := newTestBroker(t, func(d *Deps) { d.MaxBodyBytes = 64 })

	big := `{"cluster_id":"` + strings.Repeat("a", 200) + `"}`
	resp, body := b.do(t, http.MethodPost, "/debug/session", apiKey(), big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, string(body))

	resp, body = b.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeAPIError(t, body).Code)

	resp, _ = b.do(t, http.MethodPut, "/health", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
