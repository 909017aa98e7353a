package quality

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
)

// Action is what the player should do with its current quality level.
type Action string

const (
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
	ActionHold      Action = "hold"
)

var (
	ErrNoLevels     = errors.New("at least one quality level is required")
	ErrInvalidLevel = errors.New("current level is out of range")
)

// Range is one buffered time range in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Snapshot is the player state sent by the client.
type Snapshot struct {
	CurrentTime       float64 `json:"currentTime"`
	Buffered          []Range `json:"buffered"`
	BandwidthEstimate float64 `json:"bandwidthEstimate,omitempty"` // bits per second, 0 when unknown
}

// Level is one selectable rendition.
type Level struct {
	Bandwidth int64  `json:"bandwidth"`
	Height    int    `json:"height,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Thresholds bound the buffer health at which quality moves.
type Thresholds struct {
	Upgrade   float64 `json:"upgrade"`
	Downgrade float64 `json:"downgrade"`
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{Upgrade: 0.7, Downgrade: 0.3}

// ThresholdsFrom reads the configured thresholds.
func ThresholdsFrom(cfg *config.Config) Thresholds {
	th := Thresholds{Upgrade: cfg.QualityUpgradeThreshold, Downgrade: cfg.QualityDowngradeThreshold}
	if !th.valid() {
		return DefaultThresholds
	}
	return th
}

func (th Thresholds) valid() bool {
	return th.Upgrade > 0 && th.Upgrade <= 1 && th.Downgrade >= 0 && th.Downgrade < th.Upgrade
}

// Advice is the result of Advise. Level indexes the levels sorted by
// ascending bandwidth.
type Advice struct {
	Action Action  `json:"action"`
	Level  int     `json:"level"`
	Health float64 `json:"health"`
	Reason string  `json:"reason"`
}

// BufferHealth is the unplayed share of the buffered range holding the
// playhead: (end - current) / (end - start), clamped to [0,1]. It is 0 when
// the playhead sits outside every range or the range is empty.
func BufferHealth(s Snapshot) float64 {
	for _, r := range s.Buffered {
		if s.CurrentTime < r.Start || s.CurrentTime > r.End {
			continue
		}
		span := r.End - r.Start
		if span <= 0 {
			return 0
		}
		return clamp((r.End-s.CurrentTime)/span, 0, 1)
	}
	return 0
}

// SortLevels returns a copy of levels in ascending bandwidth order, plus the
// original index of each sorted level so advice can be mapped back.
func SortLevels(levels []Level) ([]Level, []int) {
	order := make([]int, len(levels))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return levels[order[a]].Bandwidth < levels[order[b]].Bandwidth })

	sorted := make([]Level, len(levels))
	for i, idx := range order {
		sorted[i] = levels[idx]
	}
	return sorted, order
}

// Advise moves one level at a time. levels must be in ascending bandwidth
// order (see SortLevels) and current indexes into them.
func Advise(s Snapshot, levels []Level, current int, th Thresholds) (Advice, error) {
	if len(levels) == 0 {
		return Advice{}, ErrNoLevels
	}
	if current < 0 || current >= len(levels) {
		return Advice{}, fmt.Errorf("%w: %d of %d", ErrInvalidLevel, current, len(levels))
	}
	if !th.valid() {
		th = DefaultThresholds
	}

	health := BufferHealth(s)
	advice := Advice{Action: ActionHold, Level: current, Health: health}

	switch {
	case health >= th.Upgrade && current < len(levels)-1:
		next := levels[current+1]
		if s.BandwidthEstimate > 0 && s.BandwidthEstimate < float64(next.Bandwidth) {
			advice.Reason = fmt.Sprintf("buffer healthy but bandwidth %.0f below %d", s.BandwidthEstimate, next.Bandwidth)
			break
		}
		advice.Action = ActionUpgrade
		advice.Level = current + 1
		advice.Reason = "buffer healthy"
	case health <= th.Downgrade && current > 0:
		advice.Action = ActionDowngrade
		advice.Level = current - 1
		advice.Reason = "buffer draining"
	case health >= th.Upgrade:
		advice.Reason = "already at highest level"
	case health <= th.Downgrade:
		advice.Reason = "already at lowest level"
	default:
		advice.Reason = "buffer within thresholds"
	}

	logger.Debug("{quality/quality - Advise} health=%.2f current=%d action=%s level=%d", health, current, advice.Action, advice.Level)
	return advice, nil
}

// Profile is an hls.js style buffering preset for a network class.
type Profile struct {
	Network              string  `json:"network"`
	MaxBufferLength      int     `json:"maxBufferLength"`
	MaxMaxBufferLength   int     `json:"maxMaxBufferLength"`
	BackBufferLength     int     `json:"backBufferLength"`
	StartLevel           int     `json:"startLevel"` // -1 lets the player choose
	ABRBandwidthFactor   float64 `json:"abrBandWidthFactor"`
	ABRBandwidthUpFactor float64 `json:"abrBandWidthUpFactor"`
	LowLatencyMode       bool    `json:"lowLatencyMode"`
}

var profiles = map[string]Profile{
	"slow-2g": {MaxBufferLength: 10, MaxMaxBufferLength: 20, BackBufferLength: 10, StartLevel: 0, ABRBandwidthFactor: 0.5, ABRBandwidthUpFactor: 0.3},
	"2g":      {MaxBufferLength: 15, MaxMaxBufferLength: 30, BackBufferLength: 15, StartLevel: 0, ABRBandwidthFactor: 0.6, ABRBandwidthUpFactor: 0.4},
	"3g":      {MaxBufferLength: 20, MaxMaxBufferLength: 40, BackBufferLength: 20, StartLevel: 0, ABRBandwidthFactor: 0.8, ABRBandwidthUpFactor: 0.5},
	"4g":      {MaxBufferLength: 30, MaxMaxBufferLength: 60, BackBufferLength: 30, StartLevel: -1, ABRBandwidthFactor: 0.9, ABRBandwidthUpFactor: 0.7, LowLatencyMode: true},
	"wifi":    {MaxBufferLength: 30, MaxMaxBufferLength: 90, BackBufferLength: 60, StartLevel: -1, ABRBandwidthFactor: 0.95, ABRBandwidthUpFactor: 0.7, LowLatencyMode: true},
}

// ProfileFor returns the preset for a Network Information API effectiveType
// (slow-2g, 2g, 3g, 4g) or "wifi". Anything else gets the wifi preset under
// the name "default".
func ProfileFor(network string) Profile {
	key := strings.ToLower(strings.TrimSpace(network))
	p, ok := profiles[key]
	if !ok {
		p = profiles["wifi"]
		key = "default"
	}
	p.Network = key
	return p
}

// SeekPlan says whether a seek target can play from buffer and which span
// still has to be fetched to fill the window after it.
type SeekPlan struct {
	Buffered     bool    `json:"buffered"`
	PrefetchFrom float64 `json:"prefetchFrom"`
	PrefetchTo   float64 `json:"prefetchTo"`
	Missing      float64 `json:"missing"`
}

// SeekWindow plans a seek to target that wants window seconds ready after it.
func SeekWindow(target float64, buffered []Range, window float64) SeekPlan {
	if window < 0 {
		window = 0
	}
	want := target + window

	for _, r := range buffered {
		if target < r.Start || target > r.End {
			continue
		}
		if r.End >= want {
			return SeekPlan{Buffered: true, PrefetchFrom: want, PrefetchTo: want}
		}
		return SeekPlan{Buffered: true, PrefetchFrom: r.End, PrefetchTo: want, Missing: want - r.End}
	}

	return SeekPlan{PrefetchFrom: target, PrefetchTo: want, Missing: window}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
