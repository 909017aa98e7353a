package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveConnections tracks the number of in-flight relays per endpoint.
// This metric is a gauge, meaning it can go up and down as clients connect and disconnect.
var ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_proxy_active_connections",
	Help: "Number of active connections",
}, []string{"endpoint"})

// BytesTransferred tracks the total number of bytes relayed per endpoint.
// The "direction" label distinguishes upstream (read from the source)
// and downstream (written to clients) traffic.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"endpoint", "direction"})

// StreamErrors counts failures per endpoint, categorised by "error_type"
// (validation, connect, timeout, upstream_status, client_write, ...).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_stream_errors",
	Help: "Number of stream errors",
}, []string{"endpoint", "error_type"})

// UpstreamResponses counts upstream status codes seen per endpoint.
var UpstreamResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_upstream_responses",
	Help: "Upstream responses by status code",
}, []string{"endpoint", "code"})

// ImageCacheRequests counts image cache lookups by result (hit or miss).
var ImageCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_image_cache_requests",
	Help: "Image cache lookups by result",
}, []string{"result"})

// ObserveUpstream records an upstream status code for endpoint.
func ObserveUpstream(endpoint string, status int) {
	UpstreamResponses.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// ObserveError increments the error counter for endpoint and kind.
func ObserveError(endpoint, kind string) {
	StreamErrors.WithLabelValues(endpoint, kind).Inc()
}
