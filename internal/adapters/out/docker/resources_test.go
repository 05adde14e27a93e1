package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/testbay/internal/domain"
)

func TestParseExecOutput_SplitsStdoutAndStderr(t *testing.T) {
	stream := append(frameDockerStream(1, []byte("hello\n")), frameDockerStream(2, []byte("warn\n"))...)

	stdout, stderr, err := parseExecOutput(bytes.NewReader(stream))

	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), stdout)
	assert.Equal(t, []byte("warn\n"), stderr)
}

func TestTarFile_RootsTargetAndDefaultsMode(t *testing.T) {
	buf, err := tarFile(domain.File{Target: "/etc/app/config.yaml", Content: []byte("a: 1\n")})
	require.NoError(t, err)

	tr := tar.NewReader(buf)
	header, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "etc/app/config.yaml", header.Name)
	assert.EqualValues(t, 0o644, header.Mode)

	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(content))

	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngine_RemoveNetwork_IgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1.41/networks/net1", r.URL.Path)
		writeNotFound(w, "network net1 not found")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.RemoveNetwork(context.Background(), "net1"))
}

func TestEngine_CreateNetwork_DefaultsToBridge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.41/networks/create", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"Driver":"bridge"`)
		assert.Contains(t, string(body), `"Name":"net1"`)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"netid1","Warning":""}`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	id, err := engine.CreateNetwork(context.Background(), &domain.NetworkSpec{Name: "net1"})

	require.NoError(t, err)
	assert.Equal(t, "netid1", id)
}

func TestEngine_ListNetworks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/networks", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id":"n1","Name":"a"},{"Id":"n2","Name":"b"}]`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	ids, err := engine.ListNetworks(context.Background(), domain.LabelFilter(domain.LabelManaged, "true"))

	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, ids)
}

func TestEngine_RemoveVolume_IgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1.41/volumes/data", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("force"))
		writeNotFound(w, "get data: no such volume")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.RemoveVolume(context.Background(), "data"))
}

func TestEngine_ListVolumes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/volumes", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Volumes":[{"Name":"v1"},{"Name":"v2"}],"Warnings":null}`))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	names, err := engine.ListVolumes(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names)
}

func TestEngine_ImageExists(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "present", status: http.StatusOK, body: `{"Id":"sha256:abc"}`, want: true},
		{name: "absent", status: http.StatusNotFound, body: `{"message":"No such image: redis:7"}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1.41/images/redis:7/json", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			engine := newEngineForHTTPServer(t, server)
			exists, err := engine.ImageExists(context.Background(), "redis:7")

			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
		})
	}
}

func TestEngine_PullImage_SurfacesStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.41/images/create", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"Pulling from library/nope"}` + "\n" + `{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}` + "\n"))
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)
	err := engine.PullImage(context.Background(), "nope:latest")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull access denied")
}

func TestEngine_RemoveImage_IgnoresNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeNotFound(w, "No such image: built:1")
	}))
	defer server.Close()

	engine := newEngineForHTTPServer(t, server)

	assert.NoError(t, engine.RemoveImage(context.Background(), "built:1"))
}

func frameDockerStream(streamID byte, payload []byte) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = streamID
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}
