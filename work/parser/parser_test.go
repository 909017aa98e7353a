package parser

import (
	"io"
	"testing"

	"iptv-relay/work/logger"
	"iptv-relay/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	m.Run()
}

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2"
https://cdn.example/hd/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
mid/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:6.0,
seg42.ts
#EXTINF:5.5,
seg43.ts
#EXT-X-ENDLIST
`

const iptvPlaylist = `#EXTM3U url-tvg="http://epg.example/guide.xml.gz" x-tvg-url="http://epg.example/alt.xml"
#EXTINF:-1 tvg-id="bbc1.uk" tvg-name="BBC One" tvg-logo="http://img.example/bbc1.png" group-title="UK, News",BBC One HD
http://iptv.example/live/u/p/1.ts
#EXTINF:-1 tvg-id="film1" catchup="default",The Movie
#EXTGRP:Movies
http://iptv.example/movie/u/p/9.mp4
#EXTINF:-1,
relative/stream.m3u8
`

func TestParseMasterSortsAndResolves(t *testing.T) {
	pl, err := Parse([]byte(masterPlaylist), "http://origin.example/live/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, types.KindMaster, pl.Kind)
	require.Len(t, pl.Variants, 3)

	assert.Equal(t, 5000000, pl.Variants[0].Bandwidth)
	assert.Equal(t, "https://cdn.example/hd/index.m3u8", pl.Variants[0].URL)
	assert.Equal(t, "1280x720", pl.Variants[1].Resolution)
	assert.Equal(t, "http://origin.example/live/mid/index.m3u8", pl.Variants[1].URL)
	assert.Equal(t, "http://origin.example/live/low/index.m3u8", pl.Variants[2].URL)
	assert.Equal(t, "avc1.4d401e,mp4a.40.2", pl.Variants[2].Codecs)
}

func TestParseMedia(t *testing.T) {
	pl, err := Parse([]byte(mediaPlaylist), "http://origin.example/a.m3u8")
	require.NoError(t, err)
	assert.Equal(t, types.KindMedia, pl.Kind)
	require.NotNil(t, pl.Media)
	assert.Equal(t, 2, pl.Media.Segments)
	assert.InDelta(t, 11.5, pl.Media.TotalDuration, 0.001)
	assert.EqualValues(t, 42, pl.Media.MediaSequence)
	assert.False(t, pl.Media.Live)
}

func TestParseM3U(t *testing.T) {
	pl, err := Parse([]byte(iptvPlaylist), "http://iptv.example/get.php?type=m3u")
	require.NoError(t, err)
	assert.Equal(t, types.KindM3U, pl.Kind)
	assert.Equal(t, "http://epg.example/guide.xml.gz", pl.Header["url-tvg"])
	assert.Equal(t, "http://epg.example/alt.xml", pl.Header["x-tvg-url"])
	require.Len(t, pl.Items, 3)

	first := pl.Items[0]
	assert.Equal(t, "BBC One HD", first.Name)
	assert.Equal(t, "bbc1.uk", first.TvgID)
	assert.Equal(t, "BBC One", first.TvgName)
	assert.Equal(t, "UK, News", first.GroupTitle)
	assert.Equal(t, "-1", first.Duration)
	assert.Equal(t, types.ContentLive, first.ContentType)

	second := pl.Items[1]
	assert.Equal(t, "Movies", second.GroupTitle)
	assert.Equal(t, "default", second.Attributes["catchup"])
	assert.Equal(t, types.ContentVOD, second.ContentType)

	third := pl.Items[2]
	assert.Equal(t, "Unknown", third.Name)
	assert.Equal(t, "http://iptv.example/relative/stream.m3u8", third.URL)
}

func TestParseRejectsNonPlaylist(t *testing.T) {
	_, err := Parse([]byte("<html>nope</html>"), "http://x.example/")
	assert.Error(t, err)
}

func TestParseEXTINF(t *testing.T) {
	attrs := ParseEXTINF(`#EXTINF:-1 tvg-name="Name, With Comma" tvg-chno=5,Display`)
	assert.Equal(t, "-1", attrs["duration"])
	assert.Equal(t, "Name, With Comma", attrs["tvg-name"])
	assert.Equal(t, "5", attrs["tvg-chno"])
	assert.Equal(t, "Display", attrs["name"])
}

func TestSelectVariant(t *testing.T) {
	variants := []types.Variant{
		{Bandwidth: 5000, Resolution: "1920x1080"},
		{Bandwidth: 2500, Resolution: "1280x720"},
		{Bandwidth: 800, Resolution: "640x360"},
	}

	tests := []struct {
		strategy string
		want     int
	}{
		{"highest", 5000},
		{"", 5000},
		{"lowest", 800},
		{"medium", 2500},
		{"360p", 800},
		{"480p", 2500},
		{"bogus", 5000},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			v, ok := SelectVariant(variants, tt.strategy)
			require.True(t, ok)
			assert.Equal(t, tt.want, v.Bandwidth)
		})
	}

	_, ok := SelectVariant(nil, "highest")
	assert.False(t, ok)
}
