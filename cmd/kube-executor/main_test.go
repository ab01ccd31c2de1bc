package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/kubebroker/internal/kubernetesagent"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func stubReadFile(t *testing.T, files map[string]string) {
	t.Helper()
	orig := readFile
	readFile = func(name string) ([]byte, error) {
		if content, ok := files[name]; ok {
			return []byte(content), nil
		}
		return nil, os.ErrNotExist
	}
	t.Cleanup(func() { readFile = orig })
}

func TestLoadConfigFromEnv(t *testing.T) {
	stubReadFile(t, nil)
	cfg, err := loadConfig(nil, envMap(map[string]string{
		"KUBE_EXECUTOR_BROKER_URL":    "https://broker.example.com",
		"KUBE_EXECUTOR_CLUSTER_ID":    "prod-eu",
		"KUBE_EXECUTOR_TOKEN":         "env-token",
		"KUBE_EXECUTOR_MODE":          "extendedReadOnly",
		"KUBE_EXECUTOR_POLL_WAIT":     "10s",
		"KUBE_EXECUTOR_HEALTH_ADDR":   ":9191",
		"KUBE_EXECUTOR_RESULT_BUFFER": "7",
		"LOG_LEVEL":                   "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://broker.example.com", cfg.Agent.BrokerURL)
	assert.Equal(t, "prod-eu", cfg.Agent.ClusterID)
	assert.Equal(t, "env-token", cfg.Agent.Token)
	assert.Equal(t, agentsexec.ModeExtendedReadOnly, cfg.Agent.ModeOverride)
	assert.Equal(t, 10*time.Second, cfg.Agent.PollWait)
	assert.Equal(t, 7, cfg.Agent.ResultBufferSize)
	assert.Equal(t, kubernetesagent.DefaultMaxOutputBytes, cfg.Agent.MaxOutputBytes)
	assert.Equal(t, ":9191", cfg.HealthAddr)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	stubReadFile(t, nil)
	cfg, err := loadConfig([]string{
		"--url", "http://127.0.0.1:8080",
		"--cluster-id", "dev",
		"--token", "flag-token",
		"--policy", "/etc/kube-executor/policy.yaml",
		"--insecure",
	}, envMap(map[string]string{
		"KUBE_EXECUTOR_BROKER_URL": "https://ignored.example.com",
		"KUBE_EXECUTOR_TOKEN":      "env-token",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8080", cfg.Agent.BrokerURL)
	assert.Equal(t, "flag-token", cfg.Agent.Token)
	assert.Equal(t, "/etc/kube-executor/policy.yaml", cfg.Agent.PolicyFile)
	assert.True(t, cfg.Agent.InsecureSkipVerify)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadConfigRequiresURLClusterAndToken(t *testing.T) {
	stubReadFile(t, nil)

	_, err := loadConfig(nil, envMap(nil))
	require.ErrorContains(t, err, "broker URL is required")

	_, err = loadConfig([]string{"--url", "https://b"}, envMap(nil))
	require.ErrorContains(t, err, "cluster id is required")

	_, err = loadConfig([]string{"--url", "https://b", "--cluster-id", "c"}, envMap(nil))
	require.ErrorContains(t, err, "agent token is required")
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	stubReadFile(t, nil)
	_, err := loadConfig([]string{"--url", "https://b", "--cluster-id", "c", "--token", "t", "--mode", "godMode"}, envMap(nil))
	require.Error(t, err)
}

func TestVersionFlagStopsWithHelp(t *testing.T) {
	_, err := loadConfig([]string{"--version"}, envMap(nil))
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestResolveTokenPriority(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")

	stubReadFile(t, map[string]string{
		tokenFile:        "  file-token\n",
		defaultTokenFile: "default-token\n",
	})

	assert.Equal(t, "flag-token", resolveToken(" flag-token ", tokenFile, "env-token"))
	assert.Equal(t, "file-token", resolveToken("", tokenFile, "env-token"))
	assert.Equal(t, "env-token", resolveToken("", filepath.Join(dir, "missing"), "env-token"))
	assert.Equal(t, "default-token", resolveToken("", "", ""))
}

func TestResolveTokenEmptyWhenNothingConfigured(t *testing.T) {
	stubReadFile(t, nil)
	assert.Empty(t, resolveToken("", "", ""))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":       zerolog.InfoLevel,
		"DEBUG":  zerolog.DebugLevel,
		" warn ": zerolog.WarnLevel,
		"error":  zerolog.ErrorLevel,
	}
	for input, want := range cases {
		got, err := parseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := parseLogLevel("chatty")
	assert.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	ready := false
	h := healthHandler(func() bool { return ready })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	ready = true
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "kube_executor_up")
}

type fakeAgent struct {
	started chan struct{}
	err     error
}

func (f *fakeAgent) Run(ctx context.Context) error {
	close(f.started)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeAgent) Ready() bool { return true }

func TestRunStartsAgentAndStopsOnCancel(t *testing.T) {
	stubReadFile(t, nil)
	fake := &fakeAgent{started: make(chan struct{})}
	var got kubernetesagent.Config
	orig := newAgent
	newAgent = func(c kubernetesagent.Config) (Runnable, error) {
		got = c
		return fake, nil
	}
	t.Cleanup(func() { newAgent = orig })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--url", "https://b", "--cluster-id", "c", "--token", "t", "--log-level", "error"}, envMap(nil))
	}()

	select {
	case <-fake.started:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, "c", got.ClusterID)
	assert.NotNil(t, got.Logger)
	assert.Equal(t, Version, got.Version)
}

func TestRunReturnsAgentError(t *testing.T) {
	stubReadFile(t, nil)
	orig := newAgent
	newAgent = func(kubernetesagent.Config) (Runnable, error) {
		return &fakeAgent{started: make(chan struct{}), err: kubernetesagent.ErrUnauthorized}, nil
	}
	t.Cleanup(func() { newAgent = orig })

	err := run(context.Background(), []string{"--url", "https://b", "--cluster-id", "c", "--token", "t", "--log-level", "error"}, envMap(nil))
	assert.True(t, errors.Is(err, kubernetesagent.ErrUnauthorized))
}

func TestRunSelfTestSkipsAgent(t *testing.T) {
	stubReadFile(t, nil)
	orig := newAgent
	newAgent = func(kubernetesagent.Config) (Runnable, error) {
		t.Fatal("self-test must not build an agent")
		return nil, nil
	}
	t.Cleanup(func() { newAgent = orig })

	require.NoError(t, run(context.Background(), []string{"--url", "https://b", "--cluster-id", "c", "--self-test", "--log-level", "error"}, envMap(nil)))
}
