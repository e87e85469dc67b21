package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe is a supported bar interval. The minimum bar is 15 minutes.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"2h":  {Key: "2h", Duration: 2 * time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"6h":  {Key: "6h", Duration: 6 * time.Hour},
	"12h": {Key: "12h", Duration: 12 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
}

// ParseTimeframe returns the normalized timeframe definition.
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes returns all supported keys, sorted.
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Millis returns the bar interval in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

// BarsPerYear derives the annualization factor used by backtest metrics.
func (tf Timeframe) BarsPerYear() float64 {
	if tf.Duration <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(tf.Duration)
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignDown snaps ts onto the timeframe grid.
func (tf Timeframe) AlignDown(ts int64) int64 {
	return alignDown(ts, tf.Millis())
}

// AlignRange aligns both ends of a millisecond range onto the grid and
// guarantees start <= end.
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars counts the bars that should exist in [start, end] inclusive.
func (tf Timeframe) ExpectedBars(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
