package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		Shutdown()
		mu.Lock()
		defer mu.Unlock()
		baseWriter = os.Stderr
		baseComponent = ""
		baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
		log.Logger = baseLogger
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &event), line)
		events = append(events, event)
	}
	return events
}

func TestInitWritesStructuredEventsToFile(t *testing.T) {
	restoreLogging(t)
	path := filepath.Join(t.TempDir(), "logs", "broker.log")

	Init(Config{Format: "json", Level: "warn", Component: "broker", FilePath: path})
	log.Info().Msg("dropped below level")
	log.Warn().Str("cluster_id", "prod").Msg("queue nearly full")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	events := decodeLines(t, data)
	require.Len(t, events, 1)
	assert.Equal(t, "warn", events[0]["level"])
	assert.Equal(t, "broker", events[0]["component"])
	assert.Equal(t, "prod", events[0]["cluster_id"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, logFilePerm, info.Mode().Perm())
}

func TestInitLevels(t *testing.T) {
	restoreLogging(t)

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for level, want := range cases {
		Init(Config{Format: "json", Level: level})
		assert.Equal(t, want, zerolog.GlobalLevel(), level)
	}

	Init(Config{Level: "warn"})
	assert.False(t, IsLevelEnabled(zerolog.InfoLevel))
	assert.True(t, IsLevelEnabled(zerolog.ErrorLevel))
}

func TestInitFromEnv(t *testing.T) {
	restoreLogging(t)
	env := map[string]string{"LOG_LEVEL": "debug", "LOG_FORMAT": "json"}

	InitFromEnv("kube-executor", func(key string) string { return env[key] })

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	mu.RLock()
	defer mu.RUnlock()
	assert.Equal(t, "kube-executor", baseComponent)
}

func TestSelectWriterAuto(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })

	isTerminalFn = func(int) bool { return true }
	_, console := selectWriter("auto").(zerolog.ConsoleWriter)
	assert.True(t, console)

	isTerminalFn = func(int) bool { return false }
	_, console = selectWriter("").(zerolog.ConsoleWriter)
	assert.False(t, console)

	_, console = selectWriter("console").(zerolog.ConsoleWriter)
	assert.True(t, console)
}

func TestNewScopesComponentAndFields(t *testing.T) {
	restoreLogging(t)
	Init(Config{Format: "json", Component: "broker"})

	var buf bytes.Buffer
	scoped := New("queue", WithWriter(&buf), WithFields(map[string]interface{}{"cluster_id": "prod"}))
	scoped.Info().Msg("enqueued")
	inherited := New("", WithWriter(&buf), WithCaller())
	inherited.Info().Msg("inherited")

	events := decodeLines(t, buf.Bytes())
	require.Len(t, events, 2)
	assert.Equal(t, "queue", events[0]["component"])
	assert.Equal(t, "prod", events[0]["cluster_id"])
	assert.Equal(t, "broker", events[1]["component"])
	assert.Contains(t, events[1]["caller"], "logging_test.go")
}

func TestRequestIDHelpers(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetRequestID(ctx))

	_, kept := WithRequestID(context.Background(), " req-7 ")
	assert.Equal(t, "req-7", kept)

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestFromContextCarriesLoggerAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), New("api", WithWriter(&buf)))
	ctx, id := WithRequestID(ctx, "")

	logger := FromContext(ctx)
	logger.Info().Msg("handled")

	events := decodeLines(t, buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0]["request_id"])
	assert.Equal(t, "api", events[0]["component"])
}

func TestTokenHint(t *testing.T) {
	assert.Equal(t, "***", TokenHint("short"))
	assert.Equal(t, "kbt_ab…", TokenHint(" kbt_abcdef123456 "))
}

func TestConcurrentInitAndNew(t *testing.T) {
	restoreLogging(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			Init(Config{Format: "json", Level: "info", Component: "broker"})
		}()
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			worker := New("worker", WithWriter(&buf))
			worker.Info().Msg("tick")
		}()
	}
	wg.Wait()
}
