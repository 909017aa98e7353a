package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"iptv-relay/work/client"
	"iptv-relay/work/epg"
	"iptv-relay/work/filter"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/parser"
	"iptv-relay/work/proxy"
	"iptv-relay/work/stalker"
	"iptv-relay/work/utils"
	"iptv-relay/work/xtream"

	"github.com/grafana/regexp"
)

// maxPlaylistBytes bounds playlist downloads; large provider lists reach tens of MiB.
const maxPlaylistBytes = 64 << 20

// HandleStreamProxy relays a media stream.
func HandleStreamProxy(sp *proxy.StreamProxy) http.HandlerFunc {
	return sp.HandleStreamProxy
}

// HandleImageProxy serves a cached or freshly fetched image.
func HandleImageProxy(sp *proxy.StreamProxy) http.HandlerFunc {
	return sp.HandleImageProxy
}

// HandleParse fetches a playlist and returns it parsed.
//
// Query parameters:
//   - url: playlist to fetch (required)
//   - filter: case-insensitive regex matched against item names
//   - type: keep only live, series or vod items
//   - select: variant strategy for master playlists (lowest, medium, highest, <height>p)
func HandleParse(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rawURL := q.Get("url")
		if rawURL == "" {
			utils.WriteJSONError(w, http.StatusBadRequest, "Playlist URL is required")
			return
		}
		target, err := utils.ParseHTTPURL(rawURL)
		if err != nil {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid playlist URL")
			return
		}

		nameFilter := q.Get("filter")
		re, err := compileFilter(sp.Filters, nameFilter)
		if err != nil {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid filter: "+nameFilter)
			return
		}

		contentType := q.Get("type")
		if contentType != "" && !filter.ValidContentType(contentType) {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid content type: "+contentType)
			return
		}

		content, err := fetchPlaylist(r.Context(), sp, target.String())
		if err != nil {
			writeAPIError(w, r, "parse", err)
			return
		}

		playlist, err := parser.Parse(content, target.String())
		if err != nil {
			logger.Warn("{handlers - HandleParse} Unparseable playlist %s: %v", utils.LogURL(sp.Config, target.String()), err)
			metrics.ObserveError("parse", "parse")
			utils.WriteJSONError(w, http.StatusUnprocessableEntity, "Failed to parse playlist: "+err.Error())
			return
		}

		playlist.Items = filter.FilterItems(playlist.Items, re, contentType)
		if strategy := q.Get("select"); strategy != "" {
			if v, ok := parser.SelectVariant(playlist.Variants, strategy); ok {
				playlist.Selected = &v
			}
		}

		logger.Debug("{handlers - HandleParse} %s playlist with %d items, %d variants",
			playlist.Kind, len(playlist.Items), len(playlist.Variants))
		utils.WriteJSON(w, http.StatusOK, playlist)
	}
}

// HandleXtream proxies a player_api.php call. Every query parameter other
// than url, username, password and action is forwarded to the portal.
//
// action=stream_url is answered without contacting the portal: it returns the
// direct stream URL for type (live, movie, vod or series), stream_id and
// optional extension, plus the relay URL that plays it through this server.
func HandleXtream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") == xtream.ActionStreamURL {
			handleXtreamStreamURL(w, q)
			return
		}

		req := xtream.Request{
			Portal:   q.Get("url"),
			Username: q.Get("username"),
			Password: q.Get("password"),
			Action:   q.Get("action"),
			Extra:    extraParams(q, "url", "username", "password", "action"),
		}

		body, err := sp.Xtream.Call(r.Context(), req)
		switch {
		case errors.Is(err, xtream.ErrMissingParams):
			utils.WriteJSONError(w, http.StatusBadRequest, "URL, username and password are required")
		case errors.Is(err, xtream.ErrInvalidPortal):
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid portal URL")
		case errors.Is(err, xtream.ErrInvalidCredentials):
			metrics.ObserveError("xtream", "auth")
			utils.WriteJSONError(w, http.StatusUnauthorized, "Invalid Xtream credentials")
		case err != nil:
			writeAPIError(w, r, "xtream", err)
		default:
			utils.WriteRawJSON(w, http.StatusOK, body)
		}
	}
}

func handleXtreamStreamURL(w http.ResponseWriter, q url.Values) {
	id := q.Get("stream_id")
	if id == "" {
		utils.WriteJSONError(w, http.StatusBadRequest, "stream_id is required")
		return
	}

	direct, err := xtream.StreamURL(q.Get("url"), q.Get("username"), q.Get("password"),
		q.Get("type"), id, q.Get("extension"))
	switch {
	case errors.Is(err, xtream.ErrMissingParams):
		utils.WriteJSONError(w, http.StatusBadRequest, "URL, username and password are required")
	case errors.Is(err, xtream.ErrInvalidPortal):
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid portal URL")
	case errors.Is(err, xtream.ErrUnknownKind):
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid stream type: "+q.Get("type"))
	case err != nil:
		utils.WriteJSONError(w, http.StatusBadRequest, err.Error())
	default:
		utils.WriteJSON(w, http.StatusOK, map[string]string{"url": direct, "relayUrl": proxy.RelayURL(direct)})
	}
}

// HandleStalker proxies a load.php call and returns the portal's js payload.
// type, action and any other parameter besides url and macAddress are
// forwarded to the portal.
func HandleStalker(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") == "" {
			utils.WriteJSONError(w, http.StatusBadRequest, "Action is required")
			return
		}

		js, err := sp.Stalker.Call(r.Context(), q.Get("url"), q.Get("macAddress"), extraParams(q, "url", "macAddress"))
		switch {
		case errors.Is(err, stalker.ErrMissingPortal):
			utils.WriteJSONError(w, http.StatusBadRequest, "Portal URL is required")
		case errors.Is(err, stalker.ErrInvalidPortal):
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid portal URL")
		case errors.Is(err, stalker.ErrInvalidMAC):
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid MAC address")
		case errors.Is(err, stalker.ErrHandshakeFailed):
			metrics.ObserveError("stalker", "auth")
			utils.WriteJSONError(w, http.StatusBadGateway, "Stalker handshake failed")
		case errors.Is(err, stalker.ErrMissingJSPayload):
			metrics.ObserveError("stalker", "parse")
			utils.WriteJSONError(w, http.StatusBadGateway, "Invalid Stalker response")
		case err != nil:
			writeAPIError(w, r, "stalker", err)
		default:
			utils.WriteRawJSON(w, http.StatusOK, js)
		}
	}
}

// HandleEPG returns an XMLTV guide as JSON.
func HandleEPG(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			utils.WriteJSONError(w, http.StatusBadRequest, "EPG URL is required")
			return
		}
		target, err := utils.ParseHTTPURL(rawURL)
		if err != nil {
			utils.WriteJSONError(w, http.StatusBadRequest, "Invalid EPG URL")
			return
		}

		body, err := sp.EPG.Guide(r.Context(), target.String())
		switch {
		case errors.Is(err, epg.ErrInvalidGuide):
			logger.Warn("{handlers - HandleEPG} Bad guide at %s: %v", utils.LogURL(sp.Config, target.String()), err)
			metrics.ObserveError("epg", "parse")
			utils.WriteJSONError(w, http.StatusBadGateway, "Invalid EPG data")
		case err != nil:
			writeAPIError(w, r, "epg", err)
		default:
			utils.WriteRawJSON(w, http.StatusOK, body)
		}
	}
}

// fetchPlaylist returns the playlist body from the response cache or upstream.
func fetchPlaylist(ctx context.Context, sp *proxy.StreamProxy, target string) ([]byte, error) {
	cacheKey := "playlist:" + target
	if body, ok := sp.Cache.Get(cacheKey); ok {
		logger.Debug("{handlers - fetchPlaylist} Cache hit for %s", utils.LogURL(sp.Config, target))
		return body, nil
	}

	body, _, err := sp.HttpClient.Fetch(ctx, target, nil, maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	sp.Cache.Set(cacheKey, body)
	return body, nil
}

func compileFilter(fm *filter.FilterManager, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return fm.Compile(pattern)
}

// extraParams copies q without the named keys.
func extraParams(q url.Values, skip ...string) url.Values {
	extra := url.Values{}
	for k, vs := range q {
		extra[k] = vs
	}
	for _, k := range skip {
		extra.Del(k)
	}
	return extra
}

// writeAPIError maps an upstream failure to a JSON error. Upstream status
// codes pass through; timeouts become 504 and anything else 502. A cancelled
// client gets nothing.
func writeAPIError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	if r.Context().Err() != nil {
		logger.Debug("{handlers - writeAPIError} Client went away during %s request", endpoint)
		return
	}

	var statusErr *client.StatusError
	switch {
	case errors.As(err, &statusErr):
		metrics.ObserveUpstream(endpoint, statusErr.StatusCode)
		metrics.ObserveError(endpoint, "upstream_status")
		utils.WriteJSONError(w, statusErr.StatusCode, fmt.Sprintf("Upstream server responded with status %d", statusErr.StatusCode))
	case errors.Is(err, client.ErrTooLarge):
		metrics.ObserveError(endpoint, "too_large")
		utils.WriteJSONError(w, http.StatusBadGateway, "Upstream response too large")
	case utils.IsTimeout(err):
		metrics.ObserveError(endpoint, "timeout")
		utils.WriteJSONError(w, http.StatusGatewayTimeout, "Upstream request timed out")
	default:
		logger.Warn("{handlers - writeAPIError} %s request failed: %v", endpoint, err)
		metrics.ObserveError(endpoint, "connect")
		utils.WriteJSONError(w, http.StatusBadGateway, "Failed to reach upstream server")
	}
}
