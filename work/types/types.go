package types

import (
	"sync/atomic"
	"time"
)

// PlaylistKind classifies a fetched playlist document.
type PlaylistKind string

const (
	KindMaster PlaylistKind = "master" // HLS master playlist (#EXT-X-STREAM-INF)
	KindMedia  PlaylistKind = "media"  // HLS media playlist (#EXT-X-TARGETDURATION)
	KindM3U    PlaylistKind = "m3u"    // IPTV channel list (#EXTINF entries)
)

// Content categories assigned to playlist items.
const (
	ContentLive   = "live"
	ContentSeries = "series"
	ContentVOD    = "vod"
)

// Item is one channel or title from an IPTV M3U playlist. Well-known EXTINF
// attributes get their own fields; everything else stays in Attributes.
type Item struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Duration    string            `json:"duration,omitempty"`
	TvgID       string            `json:"tvgId,omitempty"`
	TvgName     string            `json:"tvgName,omitempty"`
	TvgLogo     string            `json:"tvgLogo,omitempty"`
	GroupTitle  string            `json:"groupTitle,omitempty"`
	ContentType string            `json:"contentType"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Variant is one rendition of an HLS master playlist.
type Variant struct {
	URL              string  `json:"url"`
	Name             string  `json:"name,omitempty"`
	Bandwidth        int     `json:"bandwidth"`
	AverageBandwidth int     `json:"averageBandwidth,omitempty"`
	Resolution       string  `json:"resolution,omitempty"`
	Codecs           string  `json:"codecs,omitempty"`
	FrameRate        float64 `json:"frameRate,omitempty"`
}

// MediaInfo summarises an HLS media playlist.
type MediaInfo struct {
	Segments       int     `json:"segments"`
	TargetDuration float64 `json:"targetDuration"`
	TotalDuration  float64 `json:"totalDuration"`
	MediaSequence  uint64  `json:"mediaSequence"`
	Live           bool    `json:"live"`
}

// Playlist is the parsed form of any playlist the relay understands. Exactly
// one of Items, Variants or Media is populated, according to Kind.
type Playlist struct {
	Kind     PlaylistKind      `json:"kind"`
	URL      string            `json:"url"`
	Header   map[string]string `json:"header,omitempty"`
	Items    []*Item           `json:"items,omitempty"`
	Variants []Variant         `json:"variants,omitempty"`
	Selected *Variant          `json:"selected,omitempty"`
	Media    *MediaInfo        `json:"media,omitempty"`
}

// Session tracks one in-flight stream relay for the stats endpoint.
type Session struct {
	ID      string
	URL     string
	Method  string
	Remote  string
	Started time.Time
	Bytes   atomic.Int64
}

// SessionView is the JSON shape of a Session.
type SessionView struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Method   string `json:"method"`
	Remote   string `json:"remote"`
	Started  string `json:"started"`
	Duration string `json:"duration"`
	Bytes    int64  `json:"bytes"`
}

// View snapshots s; url is passed in so the caller can obfuscate it.
func (s *Session) View(url string) SessionView {
	return SessionView{
		ID:       s.ID,
		URL:      url,
		Method:   s.Method,
		Remote:   s.Remote,
		Started:  s.Started.Format(time.RFC3339),
		Duration: time.Since(s.Started).Round(time.Second).String(),
		Bytes:    s.Bytes.Load(),
	}
}
