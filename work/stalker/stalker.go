package stalker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/buger/jsonparser"
	"github.com/grafana/regexp"
	gocache "github.com/patrickmn/go-cache"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/publicsuffix"
)

const (
	// magUserAgent is what MAG set-top boxes send; portals reject other agents.
	magUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 4 rev: 2116 Mobile Safari/533.3"
	magModel     = "MAG250"
	tokenTTL     = 10 * time.Minute
	maxBodyBytes = 64 << 20
)

var macRegex = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

var (
	ErrInvalidMAC       = errors.New("invalid MAC address")
	ErrMissingPortal    = errors.New("portal url is required")
	ErrInvalidPortal    = errors.New("invalid portal url")
	ErrHandshakeFailed  = errors.New("stalker handshake returned no token")
	ErrMissingJSPayload = errors.New("stalker response has no js payload")
)

// Client talks to Stalker middleware portals the way a MAG box does: a
// handshake for a bearer token, then load.php calls carrying that token and
// the box cookies.
type Client struct {
	http   *client.HeaderSettingClient
	config *config.Config
	tokens *gocache.Cache
	jars   *xsync.MapOf[string, http.CookieJar]
}

// NewClient creates a Stalker client whose tokens live for ten minutes.
func NewClient(cfg *config.Config, httpClient *client.HeaderSettingClient) *Client {
	return &Client{
		http:   httpClient,
		config: cfg,
		tokens: gocache.New(tokenTTL, 2*tokenTTL),
		jars:   xsync.NewMapOf[string, http.CookieJar](),
	}
}

// ValidMAC reports whether mac looks like XX:XX:XX:XX:XX:XX.
func ValidMAC(mac string) bool {
	return macRegex.MatchString(mac)
}

// NormalizePortalURL turns any of http://host/c, http://host/c/,
// http://host/stalker_portal or a full load.php URL into the load.php endpoint.
func NormalizePortalURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingPortal
	}
	u, err := utils.ParseHTTPURL(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPortal, err)
	}

	path := strings.TrimSuffix(u.Path, "/")
	switch {
	case strings.HasSuffix(path, "/server/load.php"), strings.HasSuffix(path, "/portal.php"):
	default:
		path = strings.TrimSuffix(path, "/c")
		path += "/server/load.php"
	}

	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Call runs action against the portal and returns the "js" payload. A 401 or
// 403 drops the cached token and retries once with a fresh handshake.
func (c *Client) Call(ctx context.Context, portal, mac string, params url.Values) ([]byte, error) {
	if !ValidMAC(mac) {
		return nil, ErrInvalidMAC
	}
	endpoint, err := NormalizePortalURL(portal)
	if err != nil {
		return nil, err
	}
	mac = strings.ToUpper(mac)

	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx, endpoint, mac)
		if err != nil {
			return nil, err
		}

		body, status, err := c.request(ctx, endpoint, mac, token, params)
		if err != nil {
			return nil, err
		}

		if (status == http.StatusUnauthorized || status == http.StatusForbidden) && attempt == 0 {
			logger.Debug("{stalker - Call} Portal answered %d, refreshing token", status)
			c.tokens.Delete(tokenKey(endpoint, mac))
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &client.StatusError{StatusCode: status, URL: endpoint.String()}
		}

		return jsPayload(body)
	}
}

// Handshake requests a fresh token from the portal.
func (c *Client) Handshake(ctx context.Context, endpoint *url.URL, mac string) (string, error) {
	params := url.Values{"type": {"stb"}, "action": {"handshake"}, "prehash": {"0"}, "token": {""}}
	body, status, err := c.request(ctx, endpoint, mac, "", params)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &client.StatusError{StatusCode: status, URL: endpoint.String()}
	}

	for _, key := range []string{"token", "Token"} {
		token, err := jsonparser.GetString(body, "js", key)
		if err == nil && token != "" {
			return token, nil
		}
	}
	return "", ErrHandshakeFailed
}

func (c *Client) token(ctx context.Context, endpoint *url.URL, mac string) (string, error) {
	key := tokenKey(endpoint, mac)
	if token, ok := c.tokens.Get(key); ok {
		return token.(string), nil
	}

	token, err := c.Handshake(ctx, endpoint, mac)
	if err != nil {
		return "", err
	}
	c.tokens.Set(key, token, gocache.DefaultExpiration)
	logger.Debug("{stalker - token} New token for %s", utils.LogURL(c.config, endpoint.String()))
	return token, nil
}

// request sends one load.php call with MAG headers and the box cookies, and
// returns body and status without judging the status.
func (c *Client) request(ctx context.Context, endpoint *url.URL, mac, token string, params url.Values) ([]byte, int, error) {
	target := *endpoint
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("JsHttpRequest", "1-xml")
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", magUserAgent)
	req.Header.Set("X-User-Agent", "Model: "+magModel+"; Link: Ethernet")
	req.Header.Set("Referer", utils.Origin(endpoint)+"/c/")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	jar := c.jar(endpoint, mac)
	for _, ck := range jar.Cookies(&target) {
		req.AddCookie(ck)
	}

	c.http.Wait(endpoint.Host)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	jar.SetCookies(&target, resp.Cookies())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// jar returns the cookie jar for one portal+MAC pair, seeded with the cookies
// a MAG box always sends.
func (c *Client) jar(endpoint *url.URL, mac string) http.CookieJar {
	jar, _ := c.jars.LoadOrCompute(tokenKey(endpoint, mac), func() http.CookieJar {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			// cookiejar.New never fails with options set; keep a usable jar anyway
			j, _ = cookiejar.New(nil)
		}
		root := &url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/"}
		j.SetCookies(root, []*http.Cookie{
			{Name: "mac", Value: mac, Path: "/"},
			{Name: "stb_lang", Value: "en", Path: "/"},
			{Name: "timezone", Value: "UTC", Path: "/"},
		})
		return j
	})
	return jar
}

// jsPayload extracts the "js" member portals wrap every answer in.
func jsPayload(body []byte) ([]byte, error) {
	value, dataType, _, err := jsonparser.Get(body, "js")
	if err != nil {
		return nil, ErrMissingJSPayload
	}
	if dataType == jsonparser.String {
		// value comes back without its quotes
		str, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, fmt.Errorf("parse js payload: %w", err)
		}
		return json.Marshal(str)
	}
	return value, nil
}

func tokenKey(endpoint *url.URL, mac string) string {
	return endpoint.Host + endpoint.Path + "|" + mac
}
