package tokens

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/kubebroker/internal/auth"
	internalerrors "github.com/rcourtman/kubebroker/internal/errors"
	"github.com/rcourtman/kubebroker/internal/models"
	"github.com/rcourtman/kubebroker/internal/store"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *Presence, *store.MemoryBackend, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	kv := store.NewMemory(store.WithClock(clock.Now), store.WithSweepInterval(0))
	t.Cleanup(func() { _ = kv.Close() })
	presence := NewPresence(kv, WithPresenceClock(clock.Now))
	svc := NewService(kv, presence,
		WithClock(clock.Now),
		WithQueueDepth(func(context.Context, string) (int, error) { return 3, nil }),
	)
	return svc, presence, kv, clock
}

func TestIssueGeneratesAndReplacesTokens(t *testing.T) {
	svc, _, kv, _ := newTestService(t)
	ctx := context.Background()
	verifier := auth.NewAgentTokenVerifier(kv)

	first, record, err := svc.Issue(ctx, "prod", "")
	require.NoError(t, err)
	assert.Len(t, first, auth.TokenBytes*2)
	assert.Equal(t, auth.HashToken(first), record.Hash)
	assert.True(t, strings.HasPrefix(first, record.Prefix))
	assert.True(t, strings.HasSuffix(first, record.Suffix))
	assert.True(t, verifier.VerifyAgentToken(ctx, "prod", first))

	second, _, err := svc.Issue(ctx, "prod", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, verifier.VerifyAgentToken(ctx, "prod", first), "old token must stop working")
	assert.True(t, verifier.VerifyAgentToken(ctx, "prod", second))
}

func TestIssueCustomToken(t *testing.T) {
	svc, _, kv, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Issue(ctx, "prod", "too-short")
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))

	raw, _, err := svc.Issue(ctx, "prod", "operator-chosen-token")
	require.NoError(t, err)
	assert.Equal(t, "operator-chosen-token", raw)
	assert.True(t, auth.NewAgentTokenVerifier(kv).VerifyAgentToken(ctx, "prod", raw))
}

func TestIssueRejectsInvalidClusterID(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	for _, id := range []string{"", "a b", "x:y"} {
		_, _, err := svc.Issue(context.Background(), id, "")
		assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput), "cluster %q", id)
	}
}

func TestRevokeIsImmediate(t *testing.T) {
	svc, _, kv, _ := newTestService(t)
	ctx := context.Background()
	verifier := auth.NewAgentTokenVerifier(kv)

	raw, _, err := svc.Issue(ctx, "prod", "")
	require.NoError(t, err)
	require.True(t, verifier.VerifyAgentToken(ctx, "prod", raw))

	require.NoError(t, svc.Revoke(ctx, "prod"))
	assert.False(t, verifier.VerifyAgentToken(ctx, "prod", raw))
	require.NoError(t, svc.Revoke(ctx, "prod"), "second revoke is a no-op")

	err = svc.Revoke(ctx, "unknown")
	assert.True(t, errors.Is(err, internalerrors.ErrNotFound))
}

func TestListClustersAndPresence(t *testing.T) {
	svc, presence, _, clock := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"staging", "prod", "dev"} {
		_, _, err := svc.Issue(ctx, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Revoke(ctx, "dev"))
	require.NoError(t, presence.Heartbeat(ctx, "prod"))
	require.NoError(t, presence.Heartbeat(ctx, "dev"))

	list, err := svc.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"dev", "prod", "staging"}, []string{list[0].ID, list[1].ID, list[2].ID})

	assert.True(t, list[0].Revoked)
	assert.False(t, list[0].Connected, "revoked clusters are never connected")
	assert.True(t, list[1].Connected)
	require.NotNil(t, list[1].LastSeen)
	assert.False(t, list[2].Connected)
	assert.Nil(t, list[2].LastSeen)
	assert.NotEmpty(t, list[1].TokenHint)

	clock.Advance(presence.Freshness() + time.Second)
	list, err = svc.ListClusters(ctx)
	require.NoError(t, err)
	assert.False(t, list[1].Connected, "stale heartbeat is not connected")
	assert.NotNil(t, list[1].LastSeen)
}

func TestClusterStatus(t *testing.T) {
	svc, presence, _, _ := newTestService(t)
	ctx := context.Background()

	status, err := svc.ClusterStatus(ctx, "nowhere")
	require.NoError(t, err)
	assert.Equal(t, models.TokenUnknown, status.Status)
	assert.False(t, status.Connected)

	_, _, err = svc.Issue(ctx, "prod", "")
	require.NoError(t, err)
	require.NoError(t, presence.ReportCapabilities(ctx, agentsexec.Capabilities{
		ClusterID:       "prod",
		Mode:            agentsexec.ModeExtendedReadOnly,
		AllowedVerbs:    []string{"get", "auth"},
		ExecutorVersion: "1.4.0",
	}))

	status, err = svc.ClusterStatus(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, models.TokenActive, status.Status)
	assert.True(t, status.Connected)
	assert.Equal(t, agentsexec.ModeExtendedReadOnly, status.Mode)
	require.NotNil(t, status.Capabilities)
	assert.Equal(t, "1.4.0", status.Capabilities.ExecutorVersion)
	assert.False(t, status.Capabilities.ExpiresAt.IsZero())
	assert.Equal(t, 3, status.QueueDepth)

	require.NoError(t, svc.Revoke(ctx, "prod"))
	status, err = svc.ClusterStatus(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, models.TokenRevoked, status.Status)
	assert.False(t, status.Connected)
}

func TestCapabilitiesSharedThroughStore(t *testing.T) {
	_, presence, kv, clock := newTestService(t)
	ctx := context.Background()

	require.NoError(t, presence.ReportCapabilities(ctx, agentsexec.Capabilities{ClusterID: "prod", Mode: agentsexec.ModeReadOnly}))

	replica := NewPresence(kv, WithPresenceClock(clock.Now))
	caps, err := replica.Capabilities(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, caps)
	assert.Equal(t, agentsexec.ModeReadOnly, caps.Mode)

	none, err := replica.Capabilities(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.Error(t, presence.ReportCapabilities(ctx, agentsexec.Capabilities{}))
}
