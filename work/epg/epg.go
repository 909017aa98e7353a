package epg

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"iptv-relay/work/logger"

	"golang.org/x/net/html/charset"
)

// xmltvTimeLayouts are the forms XMLTV start/stop attributes take in practice;
// the offset is optional and some grabbers drop the seconds.
var xmltvTimeLayouts = []string{
	"20060102150405 -0700",
	"20060102150405",
	"200601021504 -0700",
	"200601021504",
}

// Channel is one <channel> element.
type Channel struct {
	ID           string   `json:"id"`
	DisplayNames []string `json:"displayNames"`
	Icon         string   `json:"icon,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// Programme is one <programme> element with its times resolved.
type Programme struct {
	Channel     string     `json:"channel"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop,omitempty"`
	Title       string     `json:"title"`
	SubTitle    string     `json:"subTitle,omitempty"`
	Description string     `json:"description,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	EpisodeNum  string     `json:"episodeNum,omitempty"`
}

// Guide is a whole parsed XMLTV document.
type Guide struct {
	Channels   []Channel   `json:"channels"`
	Programmes []Programme `json:"programmes"`
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlChannel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         xmlIcon  `xml:"icon"`
	URL          string   `xml:"url"`
}

type xmlProgramme struct {
	Channel     string   `xml:"channel,attr"`
	Start       string   `xml:"start,attr"`
	Stop        string   `xml:"stop,attr"`
	Titles      []string `xml:"title"`
	SubTitles   []string `xml:"sub-title"`
	Descs       []string `xml:"desc"`
	Categories  []string `xml:"category"`
	Icon        xmlIcon  `xml:"icon"`
	EpisodeNums []string `xml:"episode-num"`
}

var (
	// ErrNotXMLTV is returned when the document has no <tv> root.
	ErrNotXMLTV = errors.New("document is not XMLTV")
	// ErrInvalidGuide wraps every failure to decode a fetched guide.
	ErrInvalidGuide = errors.New("invalid guide")
)

// Parse walks an XMLTV document token by token so large guides never sit in
// memory as a tree. Programmes with an unparseable start time are skipped.
func Parse(r io.Reader) (*Guide, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Strict = false

	guide := &Guide{Channels: []Channel{}, Programmes: []Programme{}}
	sawRoot := false
	skipped := 0

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xmltv: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "tv":
			sawRoot = true
		case "channel":
			var ch xmlChannel
			if err := decoder.DecodeElement(&ch, &start); err != nil {
				return nil, fmt.Errorf("decode channel: %w", err)
			}
			guide.Channels = append(guide.Channels, Channel{
				ID:           ch.ID,
				DisplayNames: trimAll(ch.DisplayNames),
				Icon:         ch.Icon.Src,
				URL:          strings.TrimSpace(ch.URL),
			})
		case "programme":
			var p xmlProgramme
			if err := decoder.DecodeElement(&p, &start); err != nil {
				return nil, fmt.Errorf("decode programme: %w", err)
			}
			prog, ok := convertProgramme(p)
			if !ok {
				skipped++
				continue
			}
			guide.Programmes = append(guide.Programmes, prog)
		}
	}

	if !sawRoot {
		return nil, ErrNotXMLTV
	}
	if skipped > 0 {
		logger.Warn("{epg/epg - Parse} Skipped %d programmes with invalid start times", skipped)
	}

	logger.Debug("{epg/epg - Parse} Parsed %d channels, %d programmes", len(guide.Channels), len(guide.Programmes))
	return guide, nil
}

func convertProgramme(p xmlProgramme) (Programme, bool) {
	start, err := ParseXMLTVTime(p.Start)
	if err != nil {
		return Programme{}, false
	}

	prog := Programme{
		Channel:     p.Channel,
		Start:       start,
		Title:       first(p.Titles),
		SubTitle:    first(p.SubTitles),
		Description: first(p.Descs),
		Categories:  trimAll(p.Categories),
		Icon:        p.Icon.Src,
		EpisodeNum:  first(p.EpisodeNums),
	}
	if stop, err := ParseXMLTVTime(p.Stop); err == nil {
		prog.Stop = &stop
	}
	return prog, true
}

// ParseXMLTVTime parses "20240101120000 +0000" and its shorter variants.
// Times without an offset are taken as UTC.
func ParseXMLTVTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range xmltvTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid xmltv time %q", value)
}

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x1f, 0x8b})
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
