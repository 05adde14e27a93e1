package wait

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
)

type fakeTarget struct {
	mu        sync.Mutex
	host      string
	inspect   func() (*domain.ContainerDetails, error)
	logs      func() string
	exec      func(cmd []string) (*domain.ExecResult, error)
	execCalls int
}

func (f *fakeTarget) Host(context.Context) (string, error) {
	if f.host == "" {
		return "127.0.0.1", nil
	}
	return f.host, nil
}

func (f *fakeTarget) Inspect(context.Context) (*domain.ContainerDetails, error) {
	if f.inspect == nil {
		return &domain.ContainerDetails{Status: "running", Running: true}, nil
	}
	return f.inspect()
}

func (f *fakeTarget) Logs(context.Context) (io.ReadCloser, error) {
	text := ""
	if f.logs != nil {
		text = f.logs()
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (f *fakeTarget) Exec(_ context.Context, cmd []string) (*domain.ExecResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	if f.exec == nil {
		return &domain.ExecResult{}, nil
	}
	return f.exec(cmd)
}

func exitWith(code int) func([]string) (*domain.ExecResult, error) {
	return func([]string) (*domain.ExecResult, error) {
		return &domain.ExecResult{ExitCode: code}, nil
	}
}

func publishing(port nat.Port, hostPort string) func() (*domain.ContainerDetails, error) {
	return func() (*domain.ContainerDetails, error) {
		return &domain.ContainerDetails{
			Status:  "running",
			Running: true,
			Ports:   nat.PortMap{port: {{HostIP: "0.0.0.0", HostPort: hostPort}}},
		}, nil
	}
}

func TestEvaluate_TimeoutWithinOnePollInterval(t *testing.T) {
	const (
		timeout  = 300 * time.Millisecond
		interval = 20 * time.Millisecond
	)
	target := &fakeTarget{exec: exitWith(1)}

	start := time.Now()
	err := Evaluate(context.Background(), ForExec("false"), target, WithDefaultTimeout(timeout), WithPollInterval(interval))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.NotErrorIs(t, err, ErrCanceled)
	assert.GreaterOrEqual(t, elapsed, timeout-interval)
	assert.LessOrEqual(t, elapsed, timeout+interval+100*time.Millisecond)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, `exec "false" exit 0`, timeoutErr.Strategy)
	assert.Equal(t, "exit code 1", timeoutErr.LastState)
	assert.Equal(t, timeout, timeoutErr.Timeout)
}

func TestEvaluate_EarlySuccessDoesNotSleep(t *testing.T) {
	target := &fakeTarget{exec: exitWith(0)}

	start := time.Now()
	err := Evaluate(context.Background(), ForExec("true"), target, WithPollInterval(time.Second))

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 1, target.execCalls)
}

func TestEvaluate_CancellationIsNotTimeout(t *testing.T) {
	target := &fakeTarget{exec: exitWith(1)}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := Evaluate(ctx, ForExec("false"), target, WithDefaultTimeout(5*time.Second), WithPollInterval(10*time.Millisecond))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrReadinessTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvaluate_StrategyTimeoutOverridesDefault(t *testing.T) {
	target := &fakeTarget{exec: exitWith(1)}
	s := ForExec("false").WithStartupTimeout(100 * time.Millisecond)

	start := time.Now()
	err := Evaluate(context.Background(), s, target, WithDefaultTimeout(10*time.Second), WithPollInterval(10*time.Millisecond))

	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvaluate_ExecExpectedExitCode(t *testing.T) {
	target := &fakeTarget{exec: exitWith(3)}

	err := Evaluate(context.Background(), ForExec("check").WithExitCode(3), target)

	assert.NoError(t, err)
}

func TestAll_SharesDeadline(t *testing.T) {
	const timeout = 500 * time.Millisecond

	healthyAfter := func(d time.Duration) *fakeTarget {
		start := time.Now()
		return &fakeTarget{
			exec: exitWith(0),
			inspect: func() (*domain.ContainerDetails, error) {
				health := HealthStarting
				if time.Since(start) >= d {
					health = HealthHealthy
				}
				return &domain.ContainerDetails{Running: true, Health: health}, nil
			},
		}
	}

	t.Run("succeeds once the slow member succeeds", func(t *testing.T) {
		target := healthyAfter(450 * time.Millisecond)
		s := ForAll(ForExec("true"), ForHealthCheck())

		start := time.Now()
		err := Evaluate(context.Background(), s, target, WithDefaultTimeout(timeout), WithPollInterval(10*time.Millisecond))

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
	})

	t.Run("fails when a member exceeds the shared deadline", func(t *testing.T) {
		target := healthyAfter(800 * time.Millisecond)
		s := ForAll(ForExec("true"), ForHealthCheck())

		start := time.Now()
		err := Evaluate(context.Background(), s, target, WithDefaultTimeout(timeout), WithPollInterval(10*time.Millisecond))

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrReadinessTimeout)
		assert.Less(t, time.Since(start), 700*time.Millisecond)

		var timeoutErr *TimeoutError
		require.True(t, errors.As(err, &timeoutErr))
		assert.Equal(t, "health healthy", timeoutErr.Strategy)
		assert.Equal(t, HealthStarting, timeoutErr.LastState)
	})

	t.Run("first failure cancels the others", func(t *testing.T) {
		target := &fakeTarget{
			exec: exitWith(1),
			inspect: func() (*domain.ContainerDetails, error) {
				return &domain.ContainerDetails{Health: HealthUnhealthy}, nil
			},
		}
		s := ForAll(ForExec("false"), ForHealthCheck())

		start := time.Now()
		err := Evaluate(context.Background(), s, target, WithDefaultTimeout(5*time.Second), WithPollInterval(10*time.Millisecond))

		assert.ErrorIs(t, err, ErrUnhealthy)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestHealth_UnhealthyFailsFast(t *testing.T) {
	target := &fakeTarget{inspect: func() (*domain.ContainerDetails, error) {
		return &domain.ContainerDetails{Running: true, Health: HealthUnhealthy}, nil
	}}

	start := time.Now()
	err := Evaluate(context.Background(), ForHealthCheck(), target, WithDefaultTimeout(5*time.Second))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.NotErrorIs(t, err, ErrReadinessTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealth_WaitsForCustomStatus(t *testing.T) {
	target := &fakeTarget{inspect: func() (*domain.ContainerDetails, error) {
		return &domain.ContainerDetails{Running: true, Health: HealthStarting}, nil
	}}

	err := Evaluate(context.Background(), ForHealthCheck().WithStatus(HealthStarting), target)

	assert.NoError(t, err)
}

func TestLog_Occurrences(t *testing.T) {
	target := &fakeTarget{logs: func() string { return "boot\nready\nready\n" }}

	assert.NoError(t, Evaluate(context.Background(), ForLog("ready").WithOccurrence(2), target))

	err := Evaluate(context.Background(), ForLog("ready").WithOccurrence(3), target,
		WithDefaultTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrReadinessTimeout)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "2 of 3 matches", timeoutErr.LastState)
}

func TestLog_Regexp(t *testing.T) {
	target := &fakeTarget{logs: func() string { return "listening on port 6379\n" }}

	err := Evaluate(context.Background(), ForLogRegexp(regexp.MustCompile(`port \d+`)), target)

	assert.NoError(t, err)
}

func TestLog_ExitedBeforePattern(t *testing.T) {
	exited := func() (*domain.ContainerDetails, error) {
		return &domain.ContainerDetails{Status: "exited", ExitCode: 2}, nil
	}

	t.Run("fails fast by default", func(t *testing.T) {
		target := &fakeTarget{logs: func() string { return "fatal: bad config\n" }, inspect: exited}

		start := time.Now()
		err := Evaluate(context.Background(), ForLog("ready"), target, WithDefaultTimeout(5*time.Second))

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResourceExited)
		assert.Contains(t, err.Error(), "code 2")
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("times out when the exit check is off", func(t *testing.T) {
		target := &fakeTarget{logs: func() string { return "fatal: bad config\n" }, inspect: exited}

		err := Evaluate(context.Background(), ForLog("ready").WithExitCheck(false), target,
			WithDefaultTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))

		assert.ErrorIs(t, err, ErrReadinessTimeout)
		assert.NotErrorIs(t, err, ErrResourceExited)
	})

	t.Run("pattern written just before exit still succeeds", func(t *testing.T) {
		var reads atomic.Int32
		target := &fakeTarget{
			logs: func() string {
				if reads.Add(1) == 1 {
					return "starting\n"
				}
				return "starting\nready\n"
			},
			inspect: exited,
		}

		assert.NoError(t, Evaluate(context.Background(), ForLog("ready"), target))
	})
}

func TestPort_DialsPublishedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	_, hostPort, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	target := &fakeTarget{inspect: publishing("8080/tcp", hostPort)}

	assert.NoError(t, Evaluate(context.Background(), ForListeningPort("8080"), target))
}

func TestPort_NotYetUntilTimeout(t *testing.T) {
	t.Run("no binding", func(t *testing.T) {
		target := &fakeTarget{}

		err := Evaluate(context.Background(), ForListeningPort("8080/tcp"), target,
			WithDefaultTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))

		var timeoutErr *TimeoutError
		require.True(t, errors.As(err, &timeoutErr))
		assert.Equal(t, "no host binding for 8080/tcp", timeoutErr.LastState)
	})

	t.Run("nothing listening", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		_, hostPort, _ := net.SplitHostPort(listener.Addr().String())
		require.NoError(t, listener.Close())

		target := &fakeTarget{inspect: publishing("8080/tcp", hostPort)}
		err = Evaluate(context.Background(), ForListeningPort("8080/tcp"), target,
			WithDefaultTimeout(150*time.Millisecond), WithPollInterval(10*time.Millisecond))

		var timeoutErr *TimeoutError
		require.True(t, errors.As(err, &timeoutErr))
		assert.Contains(t, timeoutErr.LastState, "dial 127.0.0.1:"+hostPort)
	})
}

func TestHTTP_RetriesUntilStatusMatches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, hostPort, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	target := &fakeTarget{inspect: publishing("80/tcp", hostPort)}

	err = Evaluate(context.Background(), ForHTTP("health").WithPort("80"), target, WithPollInterval(10*time.Millisecond))

	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTP_StatusMismatchTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, hostPort, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	target := &fakeTarget{inspect: publishing("80/tcp", hostPort)}

	err = Evaluate(context.Background(), ForHTTP("/").WithStatus(http.StatusNoContent), target,
		WithDefaultTimeout(150*time.Millisecond), WithPollInterval(10*time.Millisecond))

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Contains(t, timeoutErr.LastState, "answered 200")
}

func TestHTTP_NilStatusMatcherFallsBackTo200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, hostPort, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	target := &fakeTarget{inspect: publishing("80/tcp", hostPort)}

	s := ForHTTP("/").WithStatus(http.StatusAccepted).WithStatusMatcher(nil)
	assert.Equal(t, "http GET first port/ expecting 200", s.String())

	err = Evaluate(context.Background(), s, target, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
}

func TestRequiredPorts(t *testing.T) {
	s := ForAll(
		ForListeningPort("5432"),
		ForHTTP("/").WithPort("80"),
		ForHTTP("/any"),
		ForLog("ready"),
	)

	assert.Equal(t, []nat.Port{"5432/tcp", "80/tcp"}, RequiredPorts(s))
	assert.Nil(t, RequiredPorts(ForExec("true")))
}

func TestStrategies_AreImmutable(t *testing.T) {
	original := ForLog("ready")
	changed := original.WithOccurrence(3).WithStartupTimeout(time.Second)

	assert.Equal(t, `log "ready"`, original.String())
	assert.Equal(t, `log "ready" x3`, changed.String())
	assert.Zero(t, original.startupTimeout())

	h1 := ForHTTP("/")
	h2 := h1.WithHeader("X-A", "1")
	_ = h2.WithHeader("X-B", "2")
	assert.Empty(t, h1.headers)
	assert.Len(t, h2.headers, 1)
}
