package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/internal/testutil/fakeengine"
)

func TestSession_ArmAgainstRunningAgent(t *testing.T) {
	engine := fakeengine.New()
	agent := NewAgent(engine, nil, AgentOptions{GracePeriod: 30 * time.Millisecond, ConnectTimeout: time.Minute})
	addr, result, _ := startAgent(t, agent)

	session := NewSession(engine, SessionOptions{Address: addr, ConnectTimeout: time.Second})
	ctx := logging.Nop(context.Background())
	require.NoError(t, session.Arm(ctx))
	require.NoError(t, session.Arm(ctx))

	assert.Len(t, session.ID(), 36)
	assert.Equal(t, map[string]string{domain.LabelSessionID: session.ID()}, session.Labels())
	assert.Equal(t, []string{FormatFilter(session.Filter())}, agent.Filters())

	engine.Seed(domain.KindContainer, "leaked", session.Labels())
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.report.Containers)
	assert.Empty(t, engine.ContainerIDs())
}

func TestSession_ReusesSuppliedID(t *testing.T) {
	session := NewSession(fakeengine.New(), SessionOptions{ID: "shared"})
	assert.Equal(t, "shared", session.ID())
	assert.Equal(t, domain.Filters{"label": {domain.LabelSessionID + "=shared"}}, session.Filter())
}

func TestSession_UnreachableAgentFailsOnce(t *testing.T) {
	engine := fakeengine.New()
	session := NewSession(engine, SessionOptions{Address: "127.0.0.1:1", ConnectTimeout: 150 * time.Millisecond})
	ctx := logging.Nop(context.Background())

	start := time.Now()
	err := session.Arm(ctx)
	assert.ErrorIs(t, err, domain.ErrReaperUnavailable)
	assert.Less(t, time.Since(start), 3*time.Second)

	start = time.Now()
	assert.ErrorIs(t, session.Arm(ctx), domain.ErrReaperUnavailable)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a failed arm is not retried")
}

func TestSession_CanceledArmIsRetried(t *testing.T) {
	engine := fakeengine.New()
	agent := NewAgent(engine, nil, AgentOptions{GracePeriod: 30 * time.Millisecond, ConnectTimeout: time.Minute})
	addr, _, _ := startAgent(t, agent)

	session := NewSession(engine, SessionOptions{Address: addr, ConnectTimeout: time.Second})
	t.Cleanup(func() { _ = session.Close() })

	canceled, cancel := context.WithCancel(logging.Nop(context.Background()))
	cancel()
	err := session.Arm(canceled)
	require.ErrorIs(t, err, domain.ErrReaperUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, session.Arm(logging.Nop(context.Background())))
	assert.Equal(t, []string{FormatFilter(session.Filter())}, agent.Filters())
}

func TestSession_StartsSidecar(t *testing.T) {
	engine := fakeengine.New(fakeengine.WithListeners())
	session := NewSession(engine, SessionOptions{
		ID:             "sess-1",
		Image:          "testcontainers/ryuk:0.11.0",
		GracePeriod:    5 * time.Second,
		ConnectTimeout: 200 * time.Millisecond,
		DockerSocket:   "/run/user/1000/docker.sock",
		Version:        "test",
	})
	ctx := logging.Nop(context.Background())

	// The fake sidecar accepts connections but never answers, so arming
	// fails after the sidecar was started.
	err := session.Arm(ctx)
	require.ErrorIs(t, err, domain.ErrReaperUnavailable)

	id := session.SidecarID()
	require.NotEmpty(t, id)
	sidecar, ok := engine.Container(id)
	require.True(t, ok)

	assert.Equal(t, "running", sidecar.Status)
	assert.Equal(t, "testbay-reaper-sess-1", sidecar.Spec.Name)
	assert.Equal(t, "true", sidecar.Spec.Labels[domain.LabelReaper])
	assert.Equal(t, "sess-1", sidecar.Spec.Labels[domain.LabelReaperSession])
	assert.NotContains(t, sidecar.Spec.Labels, domain.LabelSessionID, "the sidecar must not match the filter it enforces")
	assert.Contains(t, sidecar.Spec.Env, "RYUK_RECONNECTION_TIMEOUT=5s")
	assert.Contains(t, sidecar.Spec.ExposedPorts, AgentPort)
	assert.True(t, sidecar.Spec.AutoRemove)
	require.Len(t, sidecar.Spec.Mounts, 1)
	assert.Equal(t, "/run/user/1000/docker.sock", sidecar.Spec.Mounts[0].Source)
	assert.Equal(t, "/var/run/docker.sock", sidecar.Spec.Mounts[0].Target)
	assert.GreaterOrEqual(t, engine.CallIndex("PullImage:testcontainers/ryuk:0.11.0"), 0)
}

func TestSession_JoinsExistingSidecar(t *testing.T) {
	engine := fakeengine.New()
	existing := engine.Seed(domain.KindContainer, "testbay-reaper-sess-2", map[string]string{
		domain.LabelReaper:        "true",
		domain.LabelReaperSession: "sess-2",
	})
	session := NewSession(engine, SessionOptions{ID: "sess-2", Image: "ryuk", ConnectTimeout: 50 * time.Millisecond})

	err := session.Arm(logging.Nop(context.Background()))
	require.ErrorIs(t, err, domain.ErrReaperUnavailable)
	assert.Contains(t, err.Error(), "publishes no port")
	assert.Equal(t, existing, session.SidecarID())
	assert.Equal(t, -1, engine.CallIndex("CreateContainer:testbay-reaper-sess-2"))
}
