package docker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
)

func newEngineForHTTPServer(t *testing.T, server *httptest.Server) *Engine {
	t.Helper()

	host := strings.TrimPrefix(server.URL, "http://")
	cli, err := client.NewClientWithOpts(client.WithHost("tcp://"+host), client.WithVersion("1.41"), client.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return NewEngineWithClient(cli)
}

func writeNotFound(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"` + msg + `"}`))
}

func TestHostFromDaemon(t *testing.T) {
	tests := []struct {
		name   string
		daemon string
		want   string
	}{
		{name: "unix socket", daemon: "unix:///var/run/docker.sock", want: "localhost"},
		{name: "npipe", daemon: "npipe:////./pipe/docker_engine", want: "localhost"},
		{name: "remote tcp", daemon: "tcp://10.0.0.5:2376", want: "10.0.0.5"},
		{name: "garbage", daemon: "::not a url", want: "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hostFromDaemon(tt.daemon))
		})
	}
}

func TestEngine_Host_FromTCPServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.Equal(t, "127.0.0.1", engine.Host())
}

func TestEngine_InspectContainer_MapsSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1.41/containers/abc123/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Id": "abc123",
			"Name": "/web",
			"Config": {"Image": "nginx:alpine", "Hostname": "web-host", "Labels": {"io.testbay": "true"}},
			"State": {"Status": "running", "Running": true, "ExitCode": 0, "Health": {"Status": "healthy"}},
			"NetworkSettings": {
				"Ports": {"80/tcp": [{"HostIp": "0.0.0.0", "HostPort": "49153"}]},
				"Networks": {"bridge": {"IPAddress": "172.17.0.2"}}
			}
		}`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	details, err := engine.InspectContainer(context.Background(), "abc123")

	require.NoError(t, err)
	assert.Equal(t, "abc123", details.ID)
	assert.Equal(t, "web", details.Name)
	assert.Equal(t, "nginx:alpine", details.Image)
	assert.Equal(t, "web-host", details.Hostname)
	assert.True(t, details.Running)
	assert.Equal(t, "healthy", details.Health)
	assert.Equal(t, "172.17.0.2", details.Networks["bridge"])

	port, ok := details.HostPort(nat.Port("80/tcp"))
	assert.True(t, ok)
	assert.Equal(t, "49153", port)
}

func TestEngine_InspectContainer_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "No such container: abc123")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	_, err := engine.InspectContainer(context.Background(), "abc123")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestEngine_RemoveContainer_IgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1.41/containers/abc123", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("force"))
		assert.Equal(t, "1", r.URL.Query().Get("v"))
		writeNotFound(w, "No such container: abc123")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.RemoveContainer(context.Background(), "abc123"))
}

func TestEngine_RemoveContainer_ConflictIsInUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"removal already in progress"}`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	err := engine.RemoveContainer(context.Background(), "abc123")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceInUse)
}

func TestEngine_StopContainer_SendsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.41/containers/abc123/stop", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("t"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.StopContainer(context.Background(), "abc123", 7_000_000_000))
}

func TestEngine_StopContainer_IgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/containers/gone42/stop", r.URL.Path)
		writeNotFound(w, "No such container: gone42")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.StopContainer(context.Background(), "gone42", 0))
}

func TestEngine_ListContainers_PassesLabelFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/containers/json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("all"))

		parsed, err := filters.FromJSON(r.URL.Query().Get("filters"))
		require.NoError(t, err)
		assert.Equal(t, []string{"io.testbay.session-id=s1"}, parsed.Get("label"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id":"c1"},{"Id":"c2"}]`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	ids, err := engine.ListContainers(context.Background(), domain.LabelFilter(domain.LabelSessionID, "s1"))

	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

func TestEngine_CreateContainer_ReturnsID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.41/containers/create", r.URL.Path)
		assert.Equal(t, "web", r.URL.Query().Get("name"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"new123","Warnings":[]}`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	id, err := engine.CreateContainer(context.Background(), &domain.ContainerSpec{
		Name:  "web",
		Image: "nginx:alpine",
		Mounts: []domain.Mount{
			{Type: domain.MountTmpfs, Target: "/cache"},
		},
		Networks: []domain.NetworkAttachment{{Network: "net1", Aliases: []string{"web"}}},
	})

	require.NoError(t, err)
	assert.Equal(t, "new123", id)
}

func TestEngine_ExecInContainer_RejectsEmptyCommand(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name string
		cmd  []string
	}{
		{name: "nil", cmd: nil},
		{name: "empty slice", cmd: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.ExecInContainer(context.Background(), "abc123", tt.cmd)
			require.Error(t, err)
			assert.Nil(t, result)
		})
	}
}
