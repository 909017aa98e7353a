package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"iptv-relay/work/buffer"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/middleware"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"
)

const streamEndpoint = "stream"

// relayedHeaders are copied from a 200/206 upstream response to the client.
var relayedHeaders = []string{"Content-Length", "Accept-Ranges", "Content-Range"}

// HandleStreamProxy relays GET and HEAD requests for ?streamUrl= to the
// upstream server. Redirects are handed back to the client as another relay
// URL unless maxRedirects allows following them here.
func (sp *StreamProxy) HandleStreamProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("streamUrl")
	if raw == "" {
		metrics.ObserveError(streamEndpoint, "validation")
		utils.WriteJSONError(w, http.StatusBadRequest, "Stream URL is required")
		return
	}

	target, ok := ValidateStreamURL(raw, sp.Config.AllowedStreamExtensions)
	if !ok {
		logger.Debug("{proxy/stream - HandleStreamProxy} Rejected stream URL: %s", utils.LogURL(sp.Config, raw))
		metrics.ObserveError(streamEndpoint, "validation")
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid stream URL format")
		return
	}

	session, done := sp.startSession(target.String(), r.Method, r.RemoteAddr)
	defer done()

	active := metrics.ActiveConnections.WithLabelValues(streamEndpoint)
	active.Inc()
	defer active.Dec()

	current := target
	for hop := 0; ; hop++ {
		resp, err := sp.openUpstream(r, current)
		if err != nil {
			sp.writeUpstreamError(w, r, current, err)
			return
		}
		metrics.ObserveUpstream(streamEndpoint, resp.StatusCode)

		location := resp.Header.Get("Location")
		if isRedirect(resp.StatusCode) && location != "" {
			resp.Body.Close()

			next, err := current.Parse(location)
			if err != nil {
				metrics.ObserveError(streamEndpoint, "connect")
				utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to connect to stream: invalid redirect location")
				return
			}

			if hop < sp.Config.MaxRedirects {
				logger.Debug("{proxy/stream - HandleStreamProxy} Following redirect %d/%d to %s",
					hop+1, sp.Config.MaxRedirects, utils.LogURL(sp.Config, next.String()))
				current = next
				continue
			}

			logger.Debug("{proxy/stream - HandleStreamProxy} Handing redirect back to client: %s", utils.LogURL(sp.Config, next.String()))
			http.Redirect(w, r, RelayURL(next.String()), http.StatusFound)
			return
		}

		sp.relayResponse(w, r, resp, target, session)
		return
	}
}

// openUpstream issues the outbound request with the inbound method, the
// relayed Range/Authorization headers and the fixed browser User-Agent.
func (sp *StreamProxy) openUpstream(r *http.Request, target *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for _, h := range []string{"Range", "Authorization"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("User-Agent", sp.Config.UserAgent)

	return sp.HttpClient.DoDirect(req)
}

// relayResponse writes the upstream response to the client: 200/206 are
// piped through, everything else becomes a JSON error with the same status.
func (sp *StreamProxy) relayResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, target *url.URL, session *types.Session) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		logger.Debug("{proxy/stream - relayResponse} Upstream status %d for %s", resp.StatusCode, utils.LogURL(sp.Config, target.String()))
		metrics.ObserveError(streamEndpoint, "upstream_status")
		utils.WriteJSONError(w, resp.StatusCode, fmt.Sprintf("Stream server responded with status %d", resp.StatusCode))
		return
	}

	h := w.Header()
	middleware.SetCORSHeaders(h)

	contentType := resp.Header.Get("Content-Type")
	if isMKV(target) {
		contentType = "application/octet-stream"
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	for _, name := range relayedHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	n, err := sp.BufferPool.Copy(&sessionWriter{ResponseWriter: w, session: session}, resp.Body)
	metrics.BytesTransferred.WithLabelValues(streamEndpoint, "downstream").Add(float64(n))

	switch {
	case err == nil:
		logger.Debug("{proxy/stream - relayResponse} Relay finished: %s for %s", utils.FormatBytes(n), utils.LogURL(sp.Config, target.String()))
	case errors.Is(err, buffer.ErrClientWrite) || r.Context().Err() != nil:
		logger.Debug("{proxy/stream - relayResponse} Client went away after %s: %v", utils.FormatBytes(n), err)
		metrics.ObserveError(streamEndpoint, "client_write")
	default:
		// headers are already out; abort so the client sees a broken
		// transfer rather than a short but apparently complete body
		if utils.IsTimeout(err) {
			metrics.ObserveError(streamEndpoint, "timeout")
		} else {
			metrics.ObserveError(streamEndpoint, "upstream_read")
		}
		logger.Warn("{proxy/stream - relayResponse} Upstream read failed after %s for %s: %v",
			utils.FormatBytes(n), utils.LogURL(sp.Config, target.String()), err)
		panic(http.ErrAbortHandler)
	}
}

// writeUpstreamError maps a failed upstream request to 408 or 500. Nothing is
// written when the client has already disconnected.
func (sp *StreamProxy) writeUpstreamError(w http.ResponseWriter, r *http.Request, target *url.URL, err error) {
	if r.Context().Err() != nil {
		logger.Debug("{proxy/stream - writeUpstreamError} Client cancelled request for %s", utils.LogURL(sp.Config, target.String()))
		metrics.ObserveError(streamEndpoint, "client_cancel")
		return
	}

	if utils.IsTimeout(err) {
		logger.Warn("{proxy/stream - writeUpstreamError} Timeout connecting to %s", utils.LogURL(sp.Config, target.String()))
		metrics.ObserveError(streamEndpoint, "timeout")
		utils.WriteJSONError(w, http.StatusRequestTimeout, "Stream request timed out")
		return
	}

	reason := unwrapURLError(err)
	logger.Warn("{proxy/stream - writeUpstreamError} Failed to connect to %s: %s", utils.LogURL(sp.Config, target.String()), reason)
	metrics.ObserveError(streamEndpoint, "connect")
	utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to connect to stream: "+reason)
}

// ValidateStreamURL parses raw as an http(s) URL whose path contains one of
// extensions, compared case-insensitively. An empty extension list falls
// back to the built-in defaults.
func ValidateStreamURL(raw string, extensions []string) (*url.URL, bool) {
	u, err := utils.ParseHTTPURL(raw)
	if err != nil {
		return nil, false
	}

	if len(extensions) == 0 {
		extensions = config.DefaultStreamExtensions()
	}

	path := strings.ToLower(u.Path)
	for _, ext := range extensions {
		if strings.Contains(path, strings.ToLower(ext)) {
			return u, true
		}
	}
	return nil, false
}

// RelayURL is the relay path that streams target.
func RelayURL(target string) string {
	return "/api/stream-proxy?streamUrl=" + url.QueryEscape(target)
}

// unwrapURLError drops the "Get <url>:" prefix so upstream URLs and their
// credentials do not end up in client-facing messages.
func unwrapURLError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

func isMKV(u *url.URL) bool {
	return strings.Contains(strings.ToLower(u.Path), ".mkv")
}

// sessionWriter counts relayed bytes into the session as they are written.
type sessionWriter struct {
	http.ResponseWriter
	session *types.Session
}

func (sw *sessionWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.session.Bytes.Add(int64(n))
	return n, err
}

func (sw *sessionWriter) Flush() {
	if err := http.NewResponseController(sw.ResponseWriter).Flush(); err != nil {
		logger.Debug("{proxy/stream - Flush} flush failed: %v", err)
	}
}
