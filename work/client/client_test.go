package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	m.Run()
}

func testConfig() *config.Config {
	return &config.Config{
		UserAgent:         "TestAgent/1.0",
		StreamTimeout:     2 * time.Second,
		UpstreamRateLimit: 1000,
	}
}

func TestDoSetsDefaultHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
	}))
	defer srv.Close()

	c := NewHeaderSettingClient(testConfig())
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "TestAgent/1.0", gotUA)
	assert.Equal(t, "*/*", gotAccept)
}

func TestDoKeepsCallerUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewHeaderSettingClient(testConfig())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "MAG200")

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "MAG200", gotUA)
}

func TestDoDirectDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final.ts" {
			w.Write([]byte("final"))
			return
		}
		http.Redirect(w, r, "/final.ts", http.StatusFound)
	}))
	defer srv.Close()

	c := NewHeaderSettingClient(testConfig())

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/start.ts", nil)
	resp, err := c.DoDirect(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/final.ts", resp.Header.Get("Location"))

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/start.ts", nil)
	resp, err = c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("X-Test", r.Header.Get("X-Test"))
			w.Write([]byte("hello"))
		case "/big":
			w.Write(make([]byte, 64))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := NewHeaderSettingClient(testConfig())
	ctx := context.Background()

	body, header, err := c.Fetch(ctx, srv.URL+"/ok", http.Header{"X-Test": {"yes"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "yes", header.Get("X-Test"))

	_, _, err = c.Fetch(ctx, srv.URL+"/big", nil, 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = c.Fetch(ctx, srv.URL+"/denied", nil, 0)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestIdleTimeoutSurfacesAsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.StreamTimeout = 100 * time.Millisecond
	c := NewHeaderSettingClient(cfg)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/slow.ts", nil)
	_, err := c.DoDirect(req)
	require.Error(t, err)
	assert.True(t, utils.IsTimeout(err), "expected timeout, got %v", err)
}
