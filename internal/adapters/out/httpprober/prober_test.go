package httpprober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_ReturnsStatusAndExcerpt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "testbay-wait/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("  warming up\n"))
	}))
	defer server.Close()

	res, err := New().Probe(context.Background(), Request{URL: server.URL + "/health"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, "warming up", res.Excerpt)
}

func TestProbe_ExcerptIsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 10_000)))
	}))
	defer server.Close()

	res, err := New().Probe(context.Background(), Request{URL: server.URL})

	require.NoError(t, err)
	assert.Len(t, res.Excerpt, excerptMax)
}

func TestProbe_MethodAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		assert.Equal(t, "custom/2", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer x")
	header.Set("User-Agent", "custom/2")

	res, err := New().Probe(context.Background(), Request{URL: server.URL, Method: http.MethodHead, Header: header})

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.Status)
}

func TestProbe_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	res, err := New().Probe(context.Background(), Request{URL: server.URL})

	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.Status)
}

func TestProbe_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := New(WithTimeout(time.Second)).Probe(context.Background(), Request{URL: url})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe GET")
}

func TestProbe_TLSSelfSigned(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	res, err := New().Probe(context.Background(), Request{URL: server.URL})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
}

type stubTransport struct{ status int }

func (s stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: s.status,
		Body:       http.NoBody,
		Header:     http.Header{},
		Request:    r,
	}, nil
}

func TestProbe_WithTransport(t *testing.T) {
	p := New(WithTransport(stubTransport{status: http.StatusTeapot}))

	res, err := p.Probe(context.Background(), Request{URL: "http://fixture.invalid/"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, res.Status)
	assert.Empty(t, res.Excerpt)
}
