package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"iptv-relay/work/logger"
	"iptv-relay/work/types"

	"github.com/grafov/m3u8"
)

// IsMasterPlaylist determines whether the provided content represents an HLS master playlist
// by scanning for the presence of #EXT-X-STREAM-INF tags, which are the definitive indicator
// of master playlist format.
func IsMasterPlaylist(content []byte) bool {
	return bytes.Contains(content, []byte("#EXT-X-STREAM-INF"))
}

// IsMediaPlaylist determines whether the provided content represents an HLS media playlist.
// IPTV channel lists also use #EXTINF, so only #EXT-X-TARGETDURATION counts here.
func IsMediaPlaylist(content []byte) bool {
	return bytes.Contains(content, []byte("#EXT-X-TARGETDURATION"))
}

// ParseMaster decodes an HLS master playlist with grafov/m3u8 and returns its
// variants with absolute URLs, highest bandwidth first.
//
// Parameters:
//   - content: complete master playlist content
//   - baseURL: URL the playlist was fetched from, for resolving relative variant URLs
//
// Returns:
//   - []types.Variant: variants sorted by bandwidth, descending
//   - error: non-nil if the content is not a decodable master playlist
func ParseMaster(content []byte, baseURL string) ([]types.Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), false)
	if err != nil {
		return nil, fmt.Errorf("decode master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("not a master playlist")
	}

	master := playlist.(*m3u8.MasterPlaylist)
	variants := make([]types.Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}

		variants = append(variants, types.Variant{
			URL:              resolveURL(v.URI, baseURL),
			Name:             v.Name,
			Bandwidth:        int(v.Bandwidth),
			AverageBandwidth: int(v.AverageBandwidth),
			Resolution:       v.Resolution,
			Codecs:           v.Codecs,
			FrameRate:        v.FrameRate,
		})
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants found in master playlist")
	}

	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	logger.Debug("{parser/master - ParseMaster} Found %d variants", len(variants))
	return variants, nil
}

// ParseMedia decodes an HLS media playlist and summarises its segments.
func ParseMedia(content []byte) (*types.MediaInfo, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), false)
	if err != nil {
		return nil, fmt.Errorf("decode media playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("not a media playlist")
	}

	media := playlist.(*m3u8.MediaPlaylist)
	info := &types.MediaInfo{
		TargetDuration: media.TargetDuration,
		MediaSequence:  media.SeqNo,
		Live:           !media.Closed,
	}

	// grafov pads Segments with nils up to its capacity
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		info.Segments++
		info.TotalDuration += seg.Duration
	}

	return info, nil
}

// SelectVariant chooses a variant according to strategy. variants must be
// sorted highest bandwidth first, as ParseMaster returns them.
//
// Available selection strategies:
//   - "lowest": minimum bandwidth variant
//   - "highest": maximum bandwidth variant
//   - "medium": middle-tier variant
//   - "<height>p" (e.g. "720p"): first variant with that vertical resolution, else medium
//   - default: highest
func SelectVariant(variants []types.Variant, strategy string) (types.Variant, bool) {
	if len(variants) == 0 {
		return types.Variant{}, false
	}

	switch strategy {
	case "lowest":
		return variants[len(variants)-1], true
	case "highest", "":
		return variants[0], true
	case "medium":
		return variants[len(variants)/2], true
	}

	if height, ok := strings.CutSuffix(strategy, "p"); ok {
		for _, v := range variants {
			if strings.HasSuffix(v.Resolution, "x"+height) {
				return v, true
			}
		}
		return SelectVariant(variants, "medium")
	}

	return variants[0], true
}

// resolveURL converts a potentially relative URL to absolute form against baseURL.
// Unparseable input is returned unchanged.
func resolveURL(ref, baseURL string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		logger.Debug("{parser/master - resolveURL} bad base URL: %v", err)
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		logger.Debug("{parser/master - resolveURL} bad relative URL: %v", err)
		return ref
	}

	return base.ResolveReference(rel).String()
}
