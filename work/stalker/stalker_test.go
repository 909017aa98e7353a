package stalker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMAC = "00:1A:79:AB:CD:EF"

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	m.Run()
}

func newTestClient() *Client {
	cfg := &config.Config{UserAgent: config.DefaultUserAgent, StreamTimeout: 2 * time.Second, UpstreamRateLimit: 1000}
	return NewClient(cfg, client.NewHeaderSettingClient(cfg))
}

func TestValidMAC(t *testing.T) {
	assert.True(t, ValidMAC(testMAC))
	assert.True(t, ValidMAC("00:1a:79:ab:cd:ef"))
	assert.False(t, ValidMAC("00-1A-79-AB-CD-EF"))
	assert.False(t, ValidMAC("00:1A:79:AB:CD"))
	assert.False(t, ValidMAC(""))
}

func TestNormalizePortalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://portal.example/c", "http://portal.example/server/load.php"},
		{"http://portal.example/c/", "http://portal.example/server/load.php"},
		{"http://portal.example", "http://portal.example/server/load.php"},
		{"http://portal.example:8080/stalker_portal/c/", "http://portal.example:8080/stalker_portal/server/load.php"},
		{"http://portal.example/stalker_portal/server/load.php?x=1", "http://portal.example/stalker_portal/server/load.php"},
		{"http://portal.example/portal.php", "http://portal.example/portal.php"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePortalURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := NormalizePortalURL("")
	assert.ErrorIs(t, err, ErrMissingPortal)
	_, err = NormalizePortalURL("ftp://portal.example/c")
	assert.ErrorIs(t, err, ErrInvalidPortal)
}

// portal fakes a Stalker middleware that hands out tokens and rejects the
// first authorised call when rejectFirst is set.
type portal struct {
	handshakes  atomic.Int32
	calls       atomic.Int32
	rejectFirst bool
}

func (p *portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.URL.Path != "/server/load.php" || q.Get("JsHttpRequest") != "1-xml" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Header.Get("X-User-Agent") == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if q.Get("action") == "handshake" {
		n := p.handshakes.Add(1)
		io.WriteString(w, `{"js":{"token":"tok`+strconv.Itoa(int(n))+`"}}`)
		return
	}

	n := p.calls.Add(1)
	if p.rejectFirst && n == 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	mac, err := r.Cookie("mac")
	if err != nil || mac.Value != testMAC {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc", Path: "/"})
	io.WriteString(w, `{"js":{"authorization":"`+r.Header.Get("Authorization")+`","action":"`+q.Get("action")+`"}}`)
}

func TestCallHandshakesOnceAndSendsBoxIdentity(t *testing.T) {
	p := &portal{}
	upstream := httptest.NewServer(p)
	defer upstream.Close()

	c := newTestClient()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		js, err := c.Call(ctx, upstream.URL+"/c/", testMAC, url.Values{"type": {"itv"}, "action": {"get_genres"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"authorization":"Bearer tok1","action":"get_genres"}`, string(js))
	}
	assert.EqualValues(t, 1, p.handshakes.Load())
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestCallRefreshesTokenOnUnauthorized(t *testing.T) {
	p := &portal{rejectFirst: true}
	upstream := httptest.NewServer(p)
	defer upstream.Close()

	js, err := newTestClient().Call(context.Background(), upstream.URL, testMAC, url.Values{"type": {"itv"}, "action": {"get_all_channels"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"authorization":"Bearer tok2","action":"get_all_channels"}`, string(js))
	assert.EqualValues(t, 2, p.handshakes.Load())
}

func TestCallGivesUpAfterOneRetry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "handshake" {
			io.WriteString(w, `{"js":{"Token":"T"}}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	_, err := newTestClient().Call(context.Background(), upstream.URL, testMAC, url.Values{"action": {"get_profile"}})

	var statusErr *client.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestCallRejectsBadInput(t *testing.T) {
	c := newTestClient()

	_, err := c.Call(context.Background(), "http://portal.example/c", "nope", nil)
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = c.Call(context.Background(), "", testMAC, nil)
	assert.ErrorIs(t, err, ErrMissingPortal)
}

func TestHandshakeWithoutToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"js":{}}`)
	}))
	defer upstream.Close()

	_, err := newTestClient().Call(context.Background(), upstream.URL, testMAC, nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestJSPayload(t *testing.T) {
	got, err := jsPayload([]byte(`{"js":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(got))

	got, err = jsPayload([]byte(`{"js":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(got))

	_, err = jsPayload([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, ErrMissingJSPayload)
}
