package quality

import (
	"io"
	"testing"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	m.Run()
}

var ladder = []Level{
	{Bandwidth: 800_000, Height: 360},
	{Bandwidth: 2_500_000, Height: 720},
	{Bandwidth: 6_000_000, Height: 1080},
}

func TestBufferHealth(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want float64
	}{
		{"mostly ahead", Snapshot{CurrentTime: 10, Buffered: []Range{{0, 50}}}, 0.8},
		{"at end", Snapshot{CurrentTime: 50, Buffered: []Range{{0, 50}}}, 0},
		{"at start", Snapshot{CurrentTime: 0, Buffered: []Range{{0, 50}}}, 1},
		{"second range", Snapshot{CurrentTime: 110, Buffered: []Range{{0, 50}, {100, 120}}}, 0.5},
		{"outside ranges", Snapshot{CurrentTime: 70, Buffered: []Range{{0, 50}, {100, 120}}}, 0},
		{"empty span", Snapshot{CurrentTime: 5, Buffered: []Range{{5, 5}}}, 0},
		{"nothing buffered", Snapshot{CurrentTime: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BufferHealth(tt.snap), 1e-9)
		})
	}
}

func TestAdvise(t *testing.T) {
	healthy := Snapshot{CurrentTime: 5, Buffered: []Range{{0, 50}}}   // 0.9
	draining := Snapshot{CurrentTime: 45, Buffered: []Range{{0, 50}}} // 0.1
	middling := Snapshot{CurrentTime: 25, Buffered: []Range{{0, 50}}} // 0.5

	tests := []struct {
		name    string
		snap    Snapshot
		current int
		action  Action
		level   int
	}{
		{"upgrade", healthy, 0, ActionUpgrade, 1},
		{"top already", healthy, 2, ActionHold, 2},
		{"downgrade", draining, 2, ActionDowngrade, 1},
		{"bottom already", draining, 0, ActionHold, 0},
		{"hold between thresholds", middling, 1, ActionHold, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advice, err := Advise(tt.snap, ladder, tt.current, DefaultThresholds)
			require.NoError(t, err)
			assert.Equal(t, tt.action, advice.Action)
			assert.Equal(t, tt.level, advice.Level)
			assert.NotEmpty(t, advice.Reason)
		})
	}
}

func TestAdviseRespectsBandwidthEstimate(t *testing.T) {
	snap := Snapshot{CurrentTime: 5, Buffered: []Range{{0, 50}}, BandwidthEstimate: 2_000_000}

	advice, err := Advise(snap, ladder, 0, DefaultThresholds)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, advice.Action)

	snap.BandwidthEstimate = 3_000_000
	advice, err = Advise(snap, ladder, 0, DefaultThresholds)
	require.NoError(t, err)
	assert.Equal(t, ActionUpgrade, advice.Action)
}

func TestAdviseCustomAndInvalidThresholds(t *testing.T) {
	middling := Snapshot{CurrentTime: 25, Buffered: []Range{{0, 50}}} // 0.5

	advice, err := Advise(middling, ladder, 1, Thresholds{Upgrade: 0.4, Downgrade: 0.2})
	require.NoError(t, err)
	assert.Equal(t, ActionUpgrade, advice.Action)

	// inverted thresholds fall back to the defaults
	advice, err = Advise(middling, ladder, 1, Thresholds{Upgrade: 0.2, Downgrade: 0.6})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, advice.Action)
}

func TestAdviseErrors(t *testing.T) {
	_, err := Advise(Snapshot{}, nil, 0, DefaultThresholds)
	assert.ErrorIs(t, err, ErrNoLevels)

	_, err = Advise(Snapshot{}, ladder, 3, DefaultThresholds)
	assert.ErrorIs(t, err, ErrInvalidLevel)
	_, err = Advise(Snapshot{}, ladder, -1, DefaultThresholds)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestThresholdsFrom(t *testing.T) {
	assert.Equal(t, Thresholds{Upgrade: 0.8, Downgrade: 0.2},
		ThresholdsFrom(&config.Config{QualityUpgradeThreshold: 0.8, QualityDowngradeThreshold: 0.2}))
	assert.Equal(t, DefaultThresholds, ThresholdsFrom(&config.Config{}))
}

func TestSortLevels(t *testing.T) {
	in := []Level{ladder[2], ladder[0], ladder[1]}
	sorted, order := SortLevels(in)
	assert.Equal(t, ladder, sorted)
	assert.Equal(t, []int{1, 2, 0}, order)
	assert.Equal(t, ladder[2], in[0], "input left untouched")
	for i, idx := range order {
		assert.Equal(t, sorted[i], in[idx])
	}
}

func TestProfileFor(t *testing.T) {
	slow := ProfileFor("slow-2g")
	assert.Equal(t, "slow-2g", slow.Network)
	assert.Equal(t, 0, slow.StartLevel)

	fast := ProfileFor(" 4G ")
	assert.Equal(t, "4g", fast.Network)
	assert.Equal(t, -1, fast.StartLevel)
	assert.Greater(t, fast.MaxBufferLength, slow.MaxBufferLength)

	def := ProfileFor("ethernet")
	assert.Equal(t, "default", def.Network)
	assert.Equal(t, ProfileFor("wifi").MaxMaxBufferLength, def.MaxMaxBufferLength)
}

func TestSeekWindow(t *testing.T) {
	ranges := []Range{{0, 30}, {60, 90}}

	plan := SeekWindow(10, ranges, 10)
	assert.Equal(t, SeekPlan{Buffered: true, PrefetchFrom: 20, PrefetchTo: 20}, plan)

	plan = SeekWindow(25, ranges, 10)
	assert.Equal(t, SeekPlan{Buffered: true, PrefetchFrom: 30, PrefetchTo: 35, Missing: 5}, plan)

	plan = SeekWindow(45, ranges, 10)
	assert.Equal(t, SeekPlan{PrefetchFrom: 45, PrefetchTo: 55, Missing: 10}, plan)
}
