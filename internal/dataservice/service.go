// Package dataservice is the read side of the market data store. It is
// the only data surface strategies, the regime classifier and the
// decision engine see, so everything here returns closed bars only and
// never reaches for the network.
package dataservice

import (
	"context"
	"fmt"
	"time"

	"arena/internal/market"
	"arena/internal/store"
)

// Service answers market data queries from the local store.
type Service struct {
	store  *store.Store
	symbol string
}

func New(st *store.Store, symbol string) *Service {
	return &Service{store: st, symbol: symbol}
}

// Symbol returns the instrument this service is scoped to.
func (s *Service) Symbol() string { return s.symbol }

// Candles returns up to limit most recent closed bars, ascending.
func (s *Service) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if _, err := market.ParseTimeframe(timeframe); err != nil {
		return nil, err
	}
	return s.store.GetCandles(ctx, symbol, timeframe, limit)
}

// CandleRange returns bars with open time in [startTS, endTS), ascending.
func (s *Service) CandleRange(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]market.Candle, error) {
	if _, err := market.ParseTimeframe(timeframe); err != nil {
		return nil, err
	}
	return s.store.GetCandleRange(ctx, symbol, timeframe, startTS, endTS)
}

// LatestFunding returns the newest stored funding observation, nil when
// none has been ingested yet.
func (s *Service) LatestFunding(ctx context.Context, symbol string) (*market.FundingRate, error) {
	return s.store.LatestFundingRate(ctx, symbol)
}

// FundingRange returns funding observations in [startTS, endTS), ascending.
func (s *Service) FundingRange(ctx context.Context, symbol string, startTS, endTS int64) ([]market.FundingRate, error) {
	return s.store.FundingRateRange(ctx, symbol, startTS, endTS)
}

// LatestPrice returns the newest price snapshot, nil when none exists.
func (s *Service) LatestPrice(ctx context.Context, symbol string) (*market.PriceSnapshot, error) {
	return s.store.LatestPriceSnapshot(ctx, symbol)
}

// LatestOpenInterest returns the newest open interest row, nil when the
// venue never reported one.
func (s *Service) LatestOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	return s.store.LatestOpenInterest(ctx, symbol)
}

// MarkPrice resolves the price used for risk checks: mark when the
// snapshot has one, last otherwise, and the latest candle close as the
// final fallback.
func (s *Service) MarkPrice(ctx context.Context, symbol, timeframe string) (float64, error) {
	snap, err := s.store.LatestPriceSnapshot(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if snap.Mark > 0 {
			return snap.Mark, nil
		}
		if snap.Last > 0 {
			return snap.Last, nil
		}
	}
	candles, err := s.store.GetCandles(ctx, symbol, timeframe, 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no price available for %s", symbol)
	}
	return candles[0].Close, nil
}

// CoverageRow summarizes stored bars for one timeframe. Expected and
// missing counts are estimates from the observed min/max span.
type CoverageRow struct {
	Timeframe     string `json:"timeframe"`
	StartTS       int64  `json:"start_ts"`
	EndTS         int64  `json:"end_ts"`
	Bars          int64  `json:"bars"`
	ExpectedBars  int64  `json:"expected_bars_estimate"`
	MissingBars   int64  `json:"missing_bars_estimate"`
	LastUpdatedAt int64  `json:"last_updated_at"`
}

// CoverageSummary reports per-timeframe coverage for symbol. Timeframes
// with no stored bars are omitted.
func (s *Service) CoverageSummary(ctx context.Context, symbol string, timeframes []string) ([]CoverageRow, error) {
	if len(timeframes) == 0 {
		timeframes = market.SupportedTimeframes()
	}
	var out []CoverageRow
	for _, key := range timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		minTS, maxTS, count, err := s.store.CandleCoverage(ctx, symbol, tf.Key)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		expected := tf.ExpectedBars(minTS, maxTS)
		missing := expected - count
		if missing < 0 {
			missing = 0
		}
		out = append(out, CoverageRow{
			Timeframe:     tf.Key,
			StartTS:       minTS,
			EndTS:         maxTS,
			Bars:          count,
			ExpectedBars:  expected,
			MissingBars:   missing,
			LastUpdatedAt: maxTS,
		})
	}
	return out, nil
}

// Freshness describes how stale the newest bar of a timeframe is.
type Freshness struct {
	Timeframe string
	LastTS    int64
	LagBars   float64
	Stale     bool
}

// staleAfterBars is how many bar intervals may elapse past the expected
// close of the newest bar before the series counts as stale. Two bars
// absorbs normal publish delay on the venue side.
const staleAfterBars = 2.0

// CheckFreshness reports whether the newest stored bar for timeframe is
// within tolerance of now. A series with no bars at all is stale with
// LastTS zero.
func (s *Service) CheckFreshness(ctx context.Context, symbol, timeframe string, now time.Time) (Freshness, error) {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return Freshness{}, err
	}
	lastTS, ok, err := s.store.LatestCandleTS(ctx, symbol, tf.Key)
	if err != nil {
		return Freshness{}, err
	}
	if !ok {
		return Freshness{Timeframe: tf.Key, Stale: true}, nil
	}
	// lastTS is the bar open; the bar closes one interval later.
	lagMS := now.UnixMilli() - (lastTS + tf.Millis())
	lagBars := float64(lagMS) / float64(tf.Millis())
	return Freshness{
		Timeframe: tf.Key,
		LastTS:    lastTS,
		LagBars:   lagBars,
		Stale:     lagBars > staleAfterBars,
	}, nil
}
