package filter

import (
	"fmt"
	"strings"

	"iptv-relay/work/logger"
	"iptv-relay/work/types"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"
)

// Content type detection regexes, matched against both name and URL
var (
	seriesRegex = regexp.MustCompile(`(?i)24\/7|247|\/series\/|\/shows\/|\/show\/`)
	vodRegex    = regexp.MustCompile(`(?i)\/vods\/|\/vod\/|\/movies\/|\/movie\/`)
)

// FilterManager compiles user supplied name filters once and reuses them.
type FilterManager struct {
	compiled *xsync.MapOf[string, *regexp.Regexp]
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		compiled: xsync.NewMapOf[string, *regexp.Regexp](),
	}
}

// Compile returns the case-insensitive regex for pattern, compiling it on first use.
// Invalid patterns are returned as errors and never cached.
func (fm *FilterManager) Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := fm.compiled.Load(pattern); ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}

	actual, _ := fm.compiled.LoadOrStore(pattern, re)
	logger.Debug("{filter - Compile} Compiled filter: '%s'", pattern)
	return actual, nil
}

// Size reports how many patterns are cached.
func (fm *FilterManager) Size() int {
	return fm.compiled.Size()
}

// ClearFilters clears all compiled filters
func (fm *FilterManager) ClearFilters() {
	fm.compiled.Clear()
}

// FilterItems keeps the items whose name matches re and, when contentType is
// set, whose content type equals it. A nil re matches every name.
func FilterItems(items []*types.Item, re *regexp.Regexp, contentType string) []*types.Item {
	if re == nil && contentType == "" {
		return items
	}

	filtered := make([]*types.Item, 0, len(items))
	for _, item := range items {
		if contentType != "" && item.ContentType != contentType {
			continue
		}
		if re != nil && !re.MatchString(strings.TrimSpace(item.Name)) {
			continue
		}
		filtered = append(filtered, item)
	}

	logger.Debug("{filter - FilterItems} Filtered %d -> %d items", len(items), len(filtered))
	return filtered
}

// ContentType classifies an item as live, series or vod from its name, URL
// and group attributes. Anything unrecognised is live.
func ContentType(name, url string, attrs map[string]string) string {
	if seriesRegex.MatchString(name) || seriesRegex.MatchString(url) {
		return types.ContentSeries
	}
	if vodRegex.MatchString(name) || vodRegex.MatchString(url) {
		return types.ContentVOD
	}

	for _, key := range []string{"group-title", "tvg-group"} {
		group, ok := attrs[key]
		if !ok {
			continue
		}
		groupLower := strings.ToLower(group)
		switch {
		case strings.Contains(groupLower, "series"):
			return types.ContentSeries
		case strings.Contains(groupLower, "vod") || strings.Contains(groupLower, "movie"):
			return types.ContentVOD
		case strings.Contains(groupLower, "live") || strings.Contains(groupLower, "tv"):
			return types.ContentLive
		}
	}

	return types.ContentLive
}

// ValidContentType reports whether t is empty or one of the known categories.
func ValidContentType(t string) bool {
	switch t {
	case "", types.ContentLive, types.ContentSeries, types.ContentVOD:
		return true
	}
	return false
}
