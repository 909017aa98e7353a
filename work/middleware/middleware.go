package middleware

import (
	"net/http"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/utils"
)

// CORS sets permissive cross-origin headers and answers preflight requests.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORSHeaders(w.Header())

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetCORSHeaders writes the headers the player needs to read relayed media
// from another origin, including range metadata.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Authorization, Content-Type, Accept, Origin")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, Content-Type")
}

// Logging logs every request with its status, size and duration at debug level.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger.Debug("{middleware - Logging} %s %s -> %d (%s, %s) from %s",
			r.Method, r.URL.Path, wrapped.status, utils.FormatBytes(wrapped.bytes), time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}

// Recovery turns handler panics into a JSON 500. A panic after the response
// has started aborts the connection instead, so the client sees a broken
// transfer rather than an error document glued onto a partial body.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("{middleware - Recovery} panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				if wrapped.wroteHeader {
					panic(http.ErrAbortHandler)
				}
				utils.WriteJSONError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}

// ConnectionLimit caps concurrent requests through next at max; extra
// requests are rejected with 503 rather than queued.
func ConnectionLimit(max int) func(http.Handler) http.Handler {
	semaphore := make(chan struct{}, max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			default:
				logger.Warn("{middleware - ConnectionLimit} Max connections reached (%d), rejecting %s", max, r.RemoteAddr)
				utils.WriteJSONError(w, http.StatusServiceUnavailable, "Server at capacity")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures status and body size for logging while keeping
// streaming working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
