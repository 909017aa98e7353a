package xtream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/buger/jsonparser"
)

// maxResponseBytes bounds catalog downloads; full VOD lists run to tens of MiB.
const maxResponseBytes = 128 << 20

var (
	// ErrInvalidCredentials means the portal answered login with user_info.auth = 0.
	ErrInvalidCredentials = errors.New("invalid xtream credentials")
	// ErrMissingParams means url, username or password was not supplied.
	ErrMissingParams = errors.New("url, username and password are required")
	// ErrInvalidPortal means the portal URL is not an absolute http(s) URL.
	ErrInvalidPortal = errors.New("invalid portal url")
	// ErrUnknownKind means a stream kind other than live, movie, vod or series.
	ErrUnknownKind = errors.New("unknown stream kind")
)

// ActionStreamURL is answered locally with a playable URL instead of being
// sent to the portal.
const ActionStreamURL = "stream_url"

// Request identifies one player_api.php call.
type Request struct {
	Portal   string // portal base URL, with or without /player_api.php
	Username string
	Password string
	Action   string     // empty for the login/account call
	Extra    url.Values // action specific parameters (category_id, vod_id, series_id, ...)
}

// Client calls Xtream Codes portals through the shared rate-limited upstream client.
type Client struct {
	http   *client.HeaderSettingClient
	cache  *cache.Cache
	config *config.Config
}

// NewClient creates a new Xtream API client.
func NewClient(cfg *config.Config, httpClient *client.HeaderSettingClient, responseCache *cache.Cache) *Client {
	return &Client{http: httpClient, cache: responseCache, config: cfg}
}

// Call performs req and returns the portal's JSON unmodified. Login calls are
// checked for valid credentials and never cached; catalog calls are served
// from the response cache when fresh.
func (c *Client) Call(ctx context.Context, req Request) ([]byte, error) {
	apiURL, err := BuildURL(req)
	if err != nil {
		return nil, err
	}

	login := req.Action == ""
	cacheKey := "xtream:" + apiURL
	if !login {
		if body, ok := c.cache.Get(cacheKey); ok {
			logger.Debug("{xtream - Call} Cache hit for action %s", req.Action)
			return body, nil
		}
	}

	logger.Debug("{xtream - Call} Fetching %s", utils.LogURL(c.config, apiURL))
	body, _, err := c.http.Fetch(ctx, apiURL, nil, maxResponseBytes)
	if err != nil {
		return nil, err
	}

	if login {
		if err := checkAuth(body); err != nil {
			return nil, err
		}
		return body, nil
	}

	c.cache.Set(cacheKey, body)
	return body, nil
}

// BuildURL assembles <portal>/player_api.php?username=..&password=..[&action=..][&extra..].
func BuildURL(req Request) (string, error) {
	if req.Portal == "" || req.Username == "" || req.Password == "" {
		return "", ErrMissingParams
	}

	base, err := utils.ParseHTTPURL(req.Portal)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPortal, err)
	}

	path := strings.TrimSuffix(base.Path, "/")
	path = strings.TrimSuffix(path, "/player_api.php")
	base.Path = path + "/player_api.php"
	base.RawQuery = ""
	base.Fragment = ""

	q := url.Values{}
	for k, vs := range req.Extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("username", req.Username)
	q.Set("password", req.Password)
	if req.Action != "" {
		q.Set("action", req.Action)
	} else {
		q.Del("action")
	}
	base.RawQuery = q.Encode()

	return base.String(), nil
}

// checkAuth reads user_info.auth, which portals send either as a number or a string.
func checkAuth(body []byte) error {
	value, dataType, _, err := jsonparser.Get(body, "user_info", "auth")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("parse login response: %w", err)
	}

	switch dataType {
	case jsonparser.Number, jsonparser.String:
		auth, err := strconv.Atoi(string(value))
		if err != nil || auth == 0 {
			return ErrInvalidCredentials
		}
		return nil
	case jsonparser.Boolean:
		if string(value) == "true" {
			return nil
		}
	}
	return ErrInvalidCredentials
}

// StreamURL builds the direct media URL for a live, movie or series item.
func StreamURL(portal, username, password, kind, id, ext string) (string, error) {
	if portal == "" || username == "" || password == "" {
		return "", ErrMissingParams
	}
	base, err := utils.ParseHTTPURL(portal)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPortal, err)
	}

	if ext == "" {
		ext = "ts"
	}
	segment := kind
	switch kind {
	case "live", "movie", "series":
	case "vod":
		segment = "movie"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	root := strings.TrimSuffix(strings.TrimSuffix(base.Path, "/"), "/player_api.php")
	return fmt.Sprintf("%s://%s%s/%s/%s/%s/%s.%s", base.Scheme, base.Host, root, segment,
		url.PathEscape(username), url.PathEscape(password), url.PathEscape(id), ext), nil
}
