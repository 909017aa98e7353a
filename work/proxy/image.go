package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/utils"
)

const imageEndpoint = "image"

// HandleImageProxy serves ?url= images from the cache, fetching and caching
// them on a miss. Upstream failures keep their status code.
func (sp *StreamProxy) HandleImageProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		metrics.ObserveError(imageEndpoint, "validation")
		utils.WriteJSONError(w, http.StatusBadRequest, "Image URL is required")
		return
	}

	target, err := utils.ParseHTTPURL(raw)
	if err != nil {
		metrics.ObserveError(imageEndpoint, "validation")
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid image URL")
		return
	}
	imageURL := target.String()

	if img, ok := sp.ImageCache.Get(imageURL); ok {
		metrics.ImageCacheRequests.WithLabelValues("hit").Inc()
		writeImage(w, r, img, "HIT")
		return
	}
	metrics.ImageCacheRequests.WithLabelValues("miss").Inc()

	active := metrics.ActiveConnections.WithLabelValues(imageEndpoint)
	active.Inc()
	defer active.Dec()

	header := http.Header{}
	header.Set("User-Agent", sp.Config.UserAgent)
	header.Set("Referer", utils.Origin(target))
	header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	data, upstreamHeader, err := sp.HttpClient.Get(r.Context(), imageURL, header, sp.Config.MaxImageBytes)
	if err != nil {
		sp.writeImageError(w, r, imageURL, err)
		return
	}
	metrics.ObserveUpstream(imageEndpoint, http.StatusOK)
	metrics.BytesTransferred.WithLabelValues(imageEndpoint, "upstream").Add(float64(len(data)))

	contentType := upstreamHeader.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	img := &cache.Image{ContentType: contentType, Data: data}
	sp.ImageCache.Set(imageURL, img)

	logger.Debug("{proxy/image - HandleImageProxy} Fetched %s (%s, %s)", utils.LogURL(sp.Config, imageURL), contentType, utils.FormatBytes(int64(len(data))))
	writeImage(w, r, img, "MISS")
}

func (sp *StreamProxy) writeImageError(w http.ResponseWriter, r *http.Request, imageURL string, err error) {
	var statusErr *client.StatusError
	switch {
	case errors.As(err, &statusErr):
		metrics.ObserveUpstream(imageEndpoint, statusErr.StatusCode)
		metrics.ObserveError(imageEndpoint, "upstream_status")
		utils.WriteJSONError(w, statusErr.StatusCode, fmt.Sprintf("Image server responded with status %d", statusErr.StatusCode))

	case errors.Is(err, client.ErrTooLarge):
		metrics.ObserveError(imageEndpoint, "too_large")
		utils.WriteJSONError(w, http.StatusRequestEntityTooLarge, "Image too large")

	case r.Context().Err() != nil:
		metrics.ObserveError(imageEndpoint, "client_cancel")

	default:
		logger.Warn("{proxy/image - writeImageError} Failed to fetch %s: %v", utils.LogURL(sp.Config, imageURL), err)
		metrics.ObserveError(imageEndpoint, "connect")
		utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to fetch image: "+unwrapURLError(err))
	}
}

func writeImage(w http.ResponseWriter, r *http.Request, img *cache.Image, cacheState string) {
	h := w.Header()
	h.Set("Content-Type", img.ContentType)
	h.Set("Cache-Control", "public, max-age=86400")
	h.Set("Content-Length", strconv.Itoa(len(img.Data)))
	h.Set("X-Cache", cacheState)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(img.Data); err != nil {
		logger.Debug("{proxy/image - writeImage} client write failed: %v", err)
		return
	}
	metrics.BytesTransferred.WithLabelValues(imageEndpoint, "downstream").Add(float64(len(img.Data)))
}
