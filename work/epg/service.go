package epg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/klauspost/compress/gzip"
)

// maxGuideBytes bounds the compressed download; week-long guides for
// thousands of channels reach a few hundred MiB uncompressed.
const maxGuideBytes = 256 << 20

// Service fetches XMLTV guides and serves them as cached JSON.
type Service struct {
	http   *client.HeaderSettingClient
	cache  *cache.Cache
	pool   cache.Submitter
	config *config.Config
}

// NewService wires the EPG service. pool may be nil, in which case parsing
// runs on the calling goroutine.
func NewService(cfg *config.Config, httpClient *client.HeaderSettingClient, responseCache *cache.Cache, pool cache.Submitter) *Service {
	return &Service{http: httpClient, cache: responseCache, pool: pool, config: cfg}
}

// Guide returns the JSON form of the guide at rawURL, from cache when fresh.
func (s *Service) Guide(ctx context.Context, rawURL string) ([]byte, error) {
	cacheKey := "epg:" + rawURL
	if body, ok := s.cache.Get(cacheKey); ok {
		logger.Debug("{epg/service - Guide} Cache hit for %s", utils.LogURL(s.config, rawURL))
		return body, nil
	}

	logger.Debug("{epg/service - Guide} Fetching %s", utils.LogURL(s.config, rawURL))
	raw, _, err := s.http.Fetch(ctx, rawURL, nil, maxGuideBytes)
	if err != nil {
		return nil, err
	}

	guide, err := s.parse(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidGuide, err)
	}

	body, err := json.Marshal(guide)
	if err != nil {
		return nil, fmt.Errorf("encode guide: %w", err)
	}

	s.cache.Set(cacheKey, body)
	logger.Info("{epg/service - Guide} Loaded %d channels, %d programmes from %s",
		len(guide.Channels), len(guide.Programmes), utils.LogURL(s.config, rawURL))
	return body, nil
}

// parse decodes raw on the worker pool and waits for the result or ctx.
func (s *Service) parse(ctx context.Context, raw []byte) (*Guide, error) {
	type result struct {
		guide *Guide
		err   error
	}

	work := func() result {
		reader, err := openGuide(raw)
		if err != nil {
			return result{err: err}
		}
		defer reader.Close()
		guide, err := Parse(reader)
		return result{guide: guide, err: err}
	}

	if s.pool == nil {
		r := work()
		return r.guide, r.err
	}

	done := make(chan result, 1)
	if err := s.pool.Submit(func() { done <- work() }); err != nil {
		logger.Warn("{epg/service - parse} Worker pool rejected task, parsing inline: %v", err)
		r := work()
		return r.guide, r.err
	}

	select {
	case r := <-done:
		return r.guide, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openGuide returns a reader over the XML, gunzipping when the payload is
// compressed regardless of what the server claimed.
func openGuide(raw []byte) (io.ReadCloser, error) {
	if !IsGzip(raw) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip guide: %w", err)
	}
	return gz, nil
}
