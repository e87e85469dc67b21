// Package regime labels the current market state from indicator thresholds.
// The label steers both strategy scoring and the decision prompt.
package regime

import (
	"math"

	"arena/internal/indicator"
	"arena/internal/market"
)

type Label string

const (
	Breakout       Label = "BREAKOUT"
	StrongTrend    Label = "STRONG_TREND"
	WeakTrend      Label = "WEAK_TREND"
	HighVolatility Label = "HIGH_VOLATILITY"
	LowVolatility  Label = "LOW_VOLATILITY"
	Range          Label = "RANGE"
	Unknown        Label = "UNKNOWN"
)

// Normalize folds the extended labels onto the three coarse regimes
// strategies declare affinity for.
func Normalize(label Label) Label {
	switch label {
	case StrongTrend, WeakTrend:
		return "TREND"
	case HighVolatility:
		return Breakout
	case LowVolatility:
		return Range
	}
	return label
}

// Signals carries the indicator readings classification runs on. Absent
// readings are zero, matching the warm-up behavior of the source series.
type Signals struct {
	ADX             float64 `json:"adx"`
	RSI             float64 `json:"rsi"`
	BBWidth         float64 `json:"bb_width"`
	BBWidthRatio    float64 `json:"bb_width_ratio"`
	MACD            float64 `json:"macd"`
	MACDSignal      float64 `json:"macd_signal"`
	MACDHist        float64 `json:"macd_hist"`
	ATRPercentile   float64 `json:"atr_percentile"`
	PriceEfficiency float64 `json:"price_efficiency"`
	VolumeTrend     float64 `json:"volume_trend"`
}

// Snapshot is one classification with its recent history for context.
type Snapshot struct {
	Current   Label   `json:"current"`
	History   []Label `json:"history"`
	Signals   Signals `json:"signals"`
	LastPrice float64 `json:"last_price"`
	Timestamp int64   `json:"timestamp"`
}

// Classifier applies fixed thresholds over the indicator snapshot.
type Classifier struct {
	ADXThreshold     float64
	BBWidthThreshold float64
}

func NewClassifier(adxThreshold, bbWidthThreshold float64) *Classifier {
	if adxThreshold <= 0 {
		adxThreshold = 25
	}
	if bbWidthThreshold <= 0 {
		bbWidthThreshold = 0.04
	}
	return &Classifier{ADXThreshold: adxThreshold, BBWidthThreshold: bbWidthThreshold}
}

// Classify walks the threshold ladder. Order matters: breakout beats trend
// beats volatility beats range, and a quiet tape defaults to RANGE.
func (c *Classifier) Classify(s Signals) Label {
	switch {
	case s.BBWidthRatio >= 1.5 && s.BBWidth > c.BBWidthThreshold && s.VolumeTrend >= 0.2:
		return Breakout
	case s.ADX > 30 && s.PriceEfficiency > 0.7:
		return StrongTrend
	case s.ADX >= 20 && s.ADX <= 30:
		return WeakTrend
	case s.ATRPercentile >= 80:
		return HighVolatility
	case s.ATRPercentile <= 20:
		return LowVolatility
	case s.ADX < 20 && s.BBWidth <= c.BBWidthThreshold:
		return Range
	case s.ADX >= c.ADXThreshold:
		return WeakTrend
	case s.BBWidth <= c.BBWidthThreshold:
		return Range
	}
	return Breakout
}

const historyLen = 5

// Compute derives signals per bar and classifies the newest, carrying the
// last few per-bar labels as history.
func (c *Classifier) Compute(candles []market.Candle) Snapshot {
	if len(candles) == 0 {
		return Snapshot{Current: Unknown}
	}
	series := indicator.Extract(candles)
	frame := computeFrame(series)

	n := len(candles)
	snap := Snapshot{
		Current:   c.Classify(frame.at(n - 1)),
		Signals:   frame.at(n - 1),
		LastPrice: series.Closes[n-1],
		Timestamp: series.Timestamps[n-1],
	}
	start := n - historyLen
	if start < 0 {
		start = 0
	}
	for i := start; i < n; i++ {
		snap.History = append(snap.History, c.Classify(frame.at(i)))
	}
	return snap
}

// signalFrame holds every per-bar signal series at full candle length.
type signalFrame struct {
	adx, rsi, bbWidth, bbWidthRatio      []float64
	macd, macdSignal, macdHist           []float64
	atrPercentile, priceEff, volumeTrend []float64
}

func computeFrame(s indicator.Series) signalFrame {
	f := signalFrame{
		adx:     indicator.ADX(s.Highs, s.Lows, s.Closes, 14),
		rsi:     indicator.RSI(s.Closes, 14),
		bbWidth: indicator.BollingerWidth(s.Closes, 20, 2.0),
	}
	f.macd, f.macdSignal, f.macdHist = indicator.MACD(s.Closes, 12, 26, 9)

	widthMA := indicator.SMA(f.bbWidth, 20)
	f.bbWidthRatio = make([]float64, len(f.bbWidth))
	for i := range f.bbWidthRatio {
		if indicator.Valid(widthMA[i]) && widthMA[i] != 0 && indicator.Valid(f.bbWidth[i]) {
			f.bbWidthRatio[i] = f.bbWidth[i] / widthMA[i]
		} else {
			f.bbWidthRatio[i] = math.NaN()
		}
	}

	atr := indicator.ATR(s.Highs, s.Lows, s.Closes, 14)
	f.atrPercentile = indicator.PercentileRank(atr, 100)
	f.priceEff = indicator.PriceEfficiency(s.Closes, 20)
	f.volumeTrend = indicator.VolumeTrend(s.Volumes, 20)
	return f
}

func (f signalFrame) at(i int) Signals {
	return Signals{
		ADX:             zeroIfNaN(f.adx[i]),
		RSI:             zeroIfNaN(f.rsi[i]),
		BBWidth:         zeroIfNaN(f.bbWidth[i]),
		BBWidthRatio:    zeroIfNaN(f.bbWidthRatio[i]),
		MACD:            zeroIfNaN(f.macd[i]),
		MACDSignal:      zeroIfNaN(f.macdSignal[i]),
		MACDHist:        zeroIfNaN(f.macdHist[i]),
		ATRPercentile:   zeroIfNaN(f.atrPercentile[i]),
		PriceEfficiency: zeroIfNaN(f.priceEff[i]),
		VolumeTrend:     zeroIfNaN(f.volumeTrend[i]),
	}
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
