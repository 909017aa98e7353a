package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"iptv-relay/work/filter"
	"iptv-relay/work/logger"
	"iptv-relay/work/types"

	"github.com/grafana/regexp"
)

// attrRegex matches key="quoted value" and key=bare pairs in EXTM3U/EXTINF lines.
var attrRegex = regexp.MustCompile(`([A-Za-z0-9_-]+)=(?:"([^"]*)"|([^\s,"]+))`)

// Parse detects the playlist kind and parses content accordingly.
//
// Parameters:
//   - content: raw playlist bytes
//   - sourceURL: where the playlist came from, for resolving relative URLs
//
// Returns:
//   - *types.Playlist: parsed playlist with Kind set
//   - error: non-nil when the content is not a playlist at all
func Parse(content []byte, sourceURL string) (*types.Playlist, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))

	switch {
	case IsMasterPlaylist(content):
		variants, err := ParseMaster(content, sourceURL)
		if err != nil {
			return nil, err
		}
		return &types.Playlist{Kind: types.KindMaster, URL: sourceURL, Variants: variants}, nil

	case IsMediaPlaylist(content):
		media, err := ParseMedia(content)
		if err != nil {
			return nil, err
		}
		return &types.Playlist{Kind: types.KindMedia, URL: sourceURL, Media: media}, nil
	}

	return ParseM3U(content, sourceURL)
}

// ParseM3U parses an IPTV channel list: the #EXTM3U header attributes and
// every #EXTINF entry with the URL line that follows it.
func ParseM3U(content []byte, sourceURL string) (*types.Playlist, error) {
	trimmed := bytes.TrimSpace(content)
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) && !bytes.Contains(trimmed, []byte("#EXTINF")) {
		return nil, fmt.Errorf("content is not an M3U playlist")
	}

	pl := &types.Playlist{Kind: types.KindM3U, URL: sourceURL, Header: map[string]string{}}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentAttrs map[string]string
	var currentGroup string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "#EXTM3U"):
			for k, v := range ParseAttributes(strings.TrimPrefix(line, "#EXTM3U")) {
				pl.Header[k] = v
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			currentAttrs = ParseEXTINF(line)
			currentGroup = ""

		case strings.HasPrefix(line, "#EXTGRP:"):
			currentGroup = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))

		case strings.HasPrefix(line, "#"):
			continue

		case currentAttrs != nil:
			if currentGroup != "" && currentAttrs["group-title"] == "" {
				currentAttrs["group-title"] = currentGroup
			}
			pl.Items = append(pl.Items, newItem(currentAttrs, resolveURL(line, sourceURL)))
			currentAttrs = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}

	logger.Debug("{parser/m3u8 - ParseM3U} Parsed %d items", len(pl.Items))
	return pl, nil
}

// newItem lifts the well-known attributes out of attrs into Item fields.
func newItem(attrs map[string]string, url string) *types.Item {
	item := &types.Item{
		URL:        url,
		Name:       attrs["name"],
		Duration:   attrs["duration"],
		TvgID:      attrs["tvg-id"],
		TvgName:    attrs["tvg-name"],
		TvgLogo:    attrs["tvg-logo"],
		GroupTitle: attrs["group-title"],
	}
	if item.Name == "" {
		item.Name = item.TvgName
	}
	if item.Name == "" {
		item.Name = "Unknown"
	}

	extra := make(map[string]string)
	for k, v := range attrs {
		switch k {
		case "name", "duration", "tvg-id", "tvg-name", "tvg-logo", "group-title":
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		item.Attributes = extra
	}

	item.ContentType = filter.ContentType(item.Name, url, attrs)
	return item
}

// ParseEXTINF splits an #EXTINF line into its duration, attributes and the
// display name after the last comma outside quotes.
func ParseEXTINF(line string) map[string]string {
	line = strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	attrPart := line
	name := ""
	if lastComma != -1 {
		attrPart = strings.TrimSpace(line[:lastComma])
		name = strings.TrimSpace(line[lastComma+1:])
	}

	attrs := ParseAttributes(attrPart)
	if fields := strings.Fields(attrPart); len(fields) > 0 && !strings.Contains(fields[0], "=") {
		attrs["duration"] = fields[0]
	}
	if name != "" {
		attrs["name"] = name
	}

	return attrs
}

// ParseAttributes extracts key=value pairs; quoted values may contain spaces and commas.
func ParseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRegex.FindAllStringSubmatch(s, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		attrs[strings.ToLower(m[1])] = value
	}
	return attrs
}
