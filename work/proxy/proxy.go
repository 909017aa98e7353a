package proxy

import (
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/epg"
	"iptv-relay/work/filter"
	"iptv-relay/work/logger"
	"iptv-relay/work/stalker"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"
	"iptv-relay/work/xtream"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// StreamProxy is the relay core: it owns the shared upstream client, copy
// buffers and caches, tracks every in-flight stream relay, and carries the
// portal and guide clients the API handlers use.
type StreamProxy struct {
	Config     *config.Config                       // application configuration
	BufferPool *buffer.BufferPool                   // pooled copy buffers for relayed bodies
	HttpClient *client.HeaderSettingClient          // shared upstream client
	WorkerPool *ants.Pool                           // background work: image persistence, guide parsing
	Cache      *cache.Cache                         // playlist, portal and guide responses
	ImageCache *cache.ImageCache                    // image bodies, memory + sqlite
	Filters    *filter.FilterManager                // compiled playlist filters
	Xtream     *xtream.Client                       // Xtream Codes portal access
	Stalker    *stalker.Client                      // Stalker portal access
	EPG        *epg.Service                         // XMLTV guides as JSON
	Sessions   *xsync.MapOf[string, *types.Session] // active stream relays keyed by session id
	StartTime  time.Time

	sessionSeq atomic.Uint64
}

// New creates a StreamProxy and the API clients built on its collaborators.
// workerPool may be nil, in which case background work runs inline.
func New(cfg *config.Config, bufferPool *buffer.BufferPool, httpClient *client.HeaderSettingClient, workerPool *ants.Pool, responseCache *cache.Cache, imageCache *cache.ImageCache) *StreamProxy {
	var submitter cache.Submitter
	if workerPool != nil {
		submitter = workerPool
	}

	return &StreamProxy{
		Config:     cfg,
		BufferPool: bufferPool,
		HttpClient: httpClient,
		WorkerPool: workerPool,
		Cache:      responseCache,
		ImageCache: imageCache,
		Filters:    filter.NewFilterManager(),
		Xtream:     xtream.NewClient(cfg, httpClient, responseCache),
		Stalker:    stalker.NewClient(cfg, httpClient),
		EPG:        epg.NewService(cfg, httpClient, responseCache, submitter),
		Sessions:   xsync.NewMapOf[string, *types.Session](),
		StartTime:  time.Now(),
	}
}

// startSession registers a relay and returns it with a function that removes it.
func (sp *StreamProxy) startSession(url, method, remote string) (*types.Session, func()) {
	id := strconv.FormatUint(sp.sessionSeq.Add(1), 10)
	session := &types.Session{
		ID:      id,
		URL:     url,
		Method:  method,
		Remote:  remote,
		Started: time.Now(),
	}
	sp.Sessions.Store(id, session)
	logger.Debug("{proxy - startSession} Session %s started for %s", id, utils.LogURL(sp.Config, url))

	return session, func() {
		sp.Sessions.Delete(id)
		logger.Debug("{proxy - startSession} Session %s ended after %s (%s)",
			id, time.Since(session.Started).Round(time.Millisecond), utils.FormatBytes(session.Bytes.Load()))
	}
}

// ActiveSessions lists in-flight relays, oldest first, with URLs passed
// through the log obfuscation setting.
func (sp *StreamProxy) ActiveSessions() []types.SessionView {
	views := make([]types.SessionView, 0, sp.Sessions.Size())
	started := make(map[string]time.Time)
	sp.Sessions.Range(func(id string, s *types.Session) bool {
		views = append(views, s.View(utils.LogURL(sp.Config, s.URL)))
		started[id] = s.Started
		return true
	})

	sort.Slice(views, func(i, j int) bool {
		return started[views[i].ID].Before(started[views[j].ID])
	})
	return views
}
