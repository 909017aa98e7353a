package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
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
		UserAgent:         config.DefaultUserAgent,
		StreamTimeout:     2 * time.Second,
		UpstreamRateLimit: 1000,
		ImageCacheSize:    10,
		ImageCacheTTL:     time.Hour,
		MaxImageBytes:     1024,
	}
}

func newTestProxy(cfg *config.Config) *StreamProxy {
	return New(cfg, buffer.NewBufferPool(4096), client.NewHeaderSettingClient(cfg), nil, cache.NewCache(time.Minute), cache.NewImageCache(cfg, nil, nil))
}

func relayRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, "/api/stream-proxy?streamUrl="+url.QueryEscape(target), nil)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	return body
}

func TestStreamProxyValidation(t *testing.T) {
	sp := newTestProxy(testConfig())

	tests := []struct {
		name    string
		target  string
		message string
	}{
		{"missing", "", "Stream URL is required"},
		{"no extension", "http://iptv.example/live/channel", "Invalid stream URL format"},
		{"not http", "ftp://iptv.example/live.ts", "Invalid stream URL format"},
		{"garbage", "::::", "Invalid stream URL format"},
		{"extension only in query", "http://iptv.example/play?f=a.m3u8", "Invalid stream URL format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stream-proxy", nil)
			if tt.target != "" {
				req = relayRequest(http.MethodGet, tt.target)
			}
			rec := httptest.NewRecorder()

			sp.HandleStreamProxy(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Message)
		})
	}
}

func TestValidateStreamURLContainsExtension(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"http://h.example/live/1.ts", true},
		{"https://h.example/LIVE/INDEX.M3U8", true},
		{"http://h.example/movie.mp4/download", true},
		{"http://h.example/a.mkv?token=1", true},
		{"http://h.example/file.avi", true},
		{"http://h.example/clip.mov", true},
		{"http://h.example/stream", false},
		{"http://h.example/file.flv", false},
	}
	for _, tt := range tests {
		_, ok := ValidateStreamURL(tt.raw, nil)
		assert.Equal(t, tt.want, ok, tt.raw)
	}

	_, ok := ValidateStreamURL("http://h.example/live/1.flv", []string{".FLV"})
	assert.True(t, ok)
}

func TestStreamProxyRelaysBodyAndHeaders(t *testing.T) {
	var gotUA, gotRange, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotRange = r.Header.Get("Range")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.Header().Set("Content-Length", "10")
		w.Header().Set("X-Upstream-Secret", "nope")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "0123456789")
	}))
	defer upstream.Close()

	sp := newTestProxy(testConfig())
	req := relayRequest(http.MethodGet, upstream.URL+"/live/1.ts")
	req.Header.Set("Range", "bytes=0-9")
	req.Header.Set("Authorization", "Basic dTpw")
	req.Header.Set("Cookie", "session=1")
	rec := httptest.NewRecorder()

	sp.HandleStreamProxy(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "bytes 0-9/100", rec.Header().Get("Content-Range"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("X-Upstream-Secret"))

	assert.Equal(t, config.DefaultUserAgent, gotUA)
	assert.Equal(t, "bytes=0-9", gotRange)
	assert.Equal(t, "Basic dTpw", gotAuth)

	assert.Zero(t, sp.Sessions.Size())
}

func TestStreamProxyForcesOctetStreamForMKV(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		io.WriteString(w, "mkv")
	}))
	defer upstream.Close()

	sp := newTestProxy(testConfig())
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/movie/9.MKV"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestStreamProxyHeadSendsNoBody(t *testing.T) {
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1000")
	}))
	defer upstream.Close()

	sp := newTestProxy(testConfig())
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodHead, upstream.URL+"/vod/film.mp4"))

	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestStreamProxyRedirectsThroughRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live/1.m3u8" {
			w.Header().Set("Location", "/edge/1.m3u8?token=abc")
			w.WriteHeader(http.StatusMovedPermanently)
			return
		}
		io.WriteString(w, "#EXTM3U")
	}))
	defer upstream.Close()

	sp := newTestProxy(testConfig())
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/live/1.m3u8"))

	assert.Equal(t, http.StatusFound, rec.Code)
	want := "/api/stream-proxy?streamUrl=" + url.QueryEscape(upstream.URL+"/edge/1.m3u8?token=abc")
	assert.Equal(t, want, rec.Header().Get("Location"))
}

func TestStreamProxyFollowsRedirectsWhenConfigured(t *testing.T) {
	hops := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.ts":
			hops++
			http.Redirect(w, r, "/b.ts", http.StatusFound)
		case "/b.ts":
			hops++
			http.Redirect(w, r, "/c.ts", http.StatusTemporaryRedirect)
		default:
			io.WriteString(w, "segment")
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.MaxRedirects = 2
	sp := newTestProxy(cfg)
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/a.ts"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment", rec.Body.String())
	assert.Equal(t, 2, hops)

	cfg.MaxRedirects = 1
	rec = httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/a.ts"))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), url.QueryEscape(upstream.URL+"/c.ts"))
}

func TestStreamProxyUpstreamStatus(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusServiceUnavailable} {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		sp := newTestProxy(testConfig())
		rec := httptest.NewRecorder()
		sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/live/1.ts"))

		assert.Equal(t, status, rec.Code)
		assert.Equal(t, fmt.Sprintf("Stream server responded with status %d", status), decodeError(t, rec).Message)
		upstream.Close()
	}
}

func TestStreamProxyConnectionError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	deadURL := upstream.URL
	upstream.Close()

	sp := newTestProxy(testConfig())
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, deadURL+"/live/1.ts"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	msg := decodeError(t, rec).Message
	assert.True(t, strings.HasPrefix(msg, "Failed to connect to stream: "), msg)
	assert.NotContains(t, msg, deadURL)
}

func TestStreamProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig()
	cfg.StreamTimeout = 100 * time.Millisecond
	sp := newTestProxy(cfg)
	rec := httptest.NewRecorder()
	sp.HandleStreamProxy(rec, relayRequest(http.MethodGet, upstream.URL+"/live/1.m3u8"))

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "Stream request timed out", decodeError(t, rec).Message)
}

func TestStreamProxyAbortsOnStalledBody(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", "1000")
		io.WriteString(w, "0123456789")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig()
	cfg.StreamTimeout = 100 * time.Millisecond
	sp := newTestProxy(cfg)
	relay := httptest.NewServer(middleware.Recovery(http.HandlerFunc(sp.HandleStreamProxy)))
	defer relay.Close()

	resp, err := http.Get(relay.URL + RelayURL(upstream.URL+"/live/1.ts"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "a stalled upstream must not look like a complete body")
	assert.Equal(t, "0123456789", string(body))
	assert.NotContains(t, string(body), "error")
	assert.Eventually(t, func() bool { return len(sp.ActiveSessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestActiveSessionsDuringRelay(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.ObfuscateUrls = true
	sp := newTestProxy(cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sp.HandleStreamProxy(httptest.NewRecorder(), relayRequest(http.MethodGet, upstream.URL+"/live/secret.ts"))
	}()

	<-started
	require.Eventually(t, func() bool { return len(sp.ActiveSessions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	view := sp.ActiveSessions()[0]
	assert.Equal(t, http.MethodGet, view.Method)
	assert.NotContains(t, view.URL, "secret")

	close(release)
	<-done
	assert.Empty(t, sp.ActiveSessions())
}

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "/api/stream-proxy?streamUrl=http%3A%2F%2Fh%2Fa.ts%3Fx%3D1", RelayURL("http://h/a.ts?x=1"))
}
