// Package ingest pulls market data from the venue into the store. Candle
// sync is incremental and idempotent: it resumes from the newest stored
// bar and re-running it never mutates existing rows.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena/internal/dataservice"
	"arena/internal/exchange"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/pkg/circuit"
	"arena/internal/store"
	"arena/internal/store/model"
)

type Options struct {
	Symbol       string
	Timeframes   []string
	BackfillDays int
	BatchSize    int
	MaxRetries   int
}

func (o *Options) withDefaults() {
	if o.BackfillDays <= 0 {
		o.BackfillDays = 30
	}
	if o.BatchSize <= 0 || o.BatchSize > 300 {
		o.BatchSize = 300
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if len(o.Timeframes) == 0 {
		o.Timeframes = []string{"15m", "1h", "4h", "1d"}
	}
}

// Worker owns one venue connection and one symbol's ingestion.
type Worker struct {
	store   *store.Store
	data    *dataservice.Service
	source  exchange.CandleSource
	markets exchange.MarketData
	opts    Options
	breaker *circuit.Breaker
}

// New builds a worker. markets may be nil when the candle source has no
// funding or ticker surface; the corresponding polls become no-ops.
func New(st *store.Store, data *dataservice.Service, source exchange.CandleSource, markets exchange.MarketData, opts Options) *Worker {
	opts.withDefaults()
	return &Worker{
		store:   st,
		data:    data,
		source:  source,
		markets: markets,
		opts:    opts,
		breaker: circuit.NewBreaker("ingest:"+source.Name(), 5, 30*time.Second),
	}
}

// SyncCandles catches every configured timeframe up to the latest closed
// bar. Each timeframe gets its own audited ingestion run; one failing
// timeframe does not stop the others.
func (w *Worker) SyncCandles(ctx context.Context) error {
	var firstErr error
	for _, key := range w.opts.Timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return err
		}
		if err := w.syncTimeframe(ctx, tf); err != nil {
			logger.Errorf("candle sync %s/%s failed: %v", w.opts.Symbol, tf.Key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Worker) syncTimeframe(ctx context.Context, tf market.Timeframe) error {
	run := &model.IngestionRun{
		Source:    w.source.Name(),
		Symbol:    w.opts.Symbol,
		Timeframe: tf.Key,
		DataType:  "candles",
		StartedAt: time.Now().UnixMilli(),
	}
	if err := w.store.StartIngestionRun(ctx, run); err != nil {
		return err
	}

	inserted, err := w.pullCandles(ctx, tf)
	if finErr := w.store.FinishIngestionRun(ctx, run.ID, inserted, err); finErr != nil {
		logger.Warnf("ingestion run %d not finalized: %v", run.ID, finErr)
	}
	if err == nil && inserted > 0 {
		logger.Infof("candle sync %s/%s: %d bars", w.opts.Symbol, tf.Key, inserted)
	}
	return err
}

func (w *Worker) pullCandles(ctx context.Context, tf market.Timeframe) (int64, error) {
	since, err := w.nextSince(ctx, tf)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := w.fetchWithRetry(ctx, tf, since)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		candles := make([]market.Candle, 0, len(batch))
		for _, c := range batch {
			candles = append(candles, market.Candle{
				Symbol:    w.opts.Symbol,
				Timeframe: tf.Key,
				Timestamp: tf.AlignDown(c.Timestamp),
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			})
		}
		n, err := w.store.UpsertCandles(ctx, candles)
		if err != nil {
			return total, err
		}
		total += n

		last := batch[len(batch)-1].Timestamp
		if last < since {
			return total, fmt.Errorf("venue returned bars older than requested: %d < %d", last, since)
		}
		since = tf.AlignDown(last) + tf.Millis()
		if len(batch) < w.opts.BatchSize {
			return total, nil
		}
	}
}

// nextSince resumes one bar past the newest stored bar, or backfills a
// fixed window on an empty series.
func (w *Worker) nextSince(ctx context.Context, tf market.Timeframe) (int64, error) {
	lastTS, ok, err := w.store.LatestCandleTS(ctx, w.opts.Symbol, tf.Key)
	if err != nil {
		return 0, err
	}
	if ok {
		return lastTS + tf.Millis(), nil
	}
	start := time.Now().AddDate(0, 0, -w.opts.BackfillDays).UnixMilli()
	return tf.AlignDown(start), nil
}

func (w *Worker) fetchWithRetry(ctx context.Context, tf market.Timeframe, since int64) ([]exchange.Candle, error) {
	var lastErr error
	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		if !w.breaker.Allow() {
			return nil, fmt.Errorf("venue breaker open for %s", w.source.Name())
		}
		batch, err := w.source.FetchCandles(ctx, w.opts.Symbol, tf.Key, since, w.opts.BatchSize)
		if err == nil {
			w.breaker.RecordSuccess()
			return batch, nil
		}
		w.breaker.RecordFailure()
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay := circuit.Backoff(time.Second, 30*time.Second, attempt)
		if errors.Is(err, exchange.ErrRateLimited) {
			delay = circuit.Backoff(5*time.Second, time.Minute, attempt)
		}
		logger.Warnf("fetch %s/%s since=%d attempt %d failed: %v (retry in %s)",
			w.opts.Symbol, tf.Key, since, attempt+1, err, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// SyncFunding appends funding observations newer than the stored tip.
func (w *Worker) SyncFunding(ctx context.Context) error {
	if w.markets == nil {
		return nil
	}
	since := int64(0)
	if latest, err := w.store.LatestFundingRate(ctx, w.opts.Symbol); err != nil {
		return err
	} else if latest != nil {
		since = latest.Timestamp + 1
	} else {
		since = time.Now().AddDate(0, 0, -w.opts.BackfillDays).UnixMilli()
	}

	rows, err := w.markets.FundingRateHistory(ctx, w.opts.Symbol, since, 100)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	rates := make([]market.FundingRate, 0, len(rows))
	for _, r := range rows {
		rates = append(rates, market.FundingRate{
			Symbol:        w.opts.Symbol,
			Timestamp:     r.Timestamp,
			Rate:          r.Rate,
			NextFundingTS: r.NextFundingTS,
		})
	}
	n, err := w.store.InsertFundingRates(ctx, rates)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debugf("funding sync %s: %d rows", w.opts.Symbol, n)
	}
	return nil
}

// SnapshotPrices stores one last/mark/index snapshot.
func (w *Worker) SnapshotPrices(ctx context.Context) error {
	if w.markets == nil {
		return nil
	}
	tick, err := w.markets.Ticker(ctx, w.opts.Symbol)
	if err != nil {
		return err
	}
	return w.store.InsertPriceSnapshot(ctx, market.PriceSnapshot{
		Symbol:    w.opts.Symbol,
		Timestamp: tick.Timestamp,
		Last:      tick.Last,
		Mark:      tick.Mark,
		Index:     tick.Index,
	})
}

// SnapshotOpenInterest stores one open-interest reading; venues without
// the feed are skipped silently.
func (w *Worker) SnapshotOpenInterest(ctx context.Context) error {
	if w.markets == nil {
		return nil
	}
	oi, err := w.markets.OpenInterest(ctx, w.opts.Symbol)
	if err != nil || oi == nil {
		return err
	}
	return w.store.InsertOpenInterest(ctx, market.OpenInterest{
		Symbol:    w.opts.Symbol,
		Timestamp: oi.Timestamp,
		Contracts: oi.Contracts,
		Notional:  oi.Notional,
	})
}

// CheckStaleness records an INGEST_STALL risk event for every timeframe
// whose newest bar lags behind tolerance. Decision cycles consult these
// events before trusting the data.
func (w *Worker) CheckStaleness(ctx context.Context, now time.Time) ([]dataservice.Freshness, error) {
	var stale []dataservice.Freshness
	for _, key := range w.opts.Timeframes {
		fr, err := w.data.CheckFreshness(ctx, w.opts.Symbol, key, now)
		if err != nil {
			return nil, err
		}
		if !fr.Stale {
			continue
		}
		stale = append(stale, fr)
		event := &model.RiskEvent{
			Timestamp: now.UnixMilli(),
			Symbol:    w.opts.Symbol,
			Level:     model.RiskWarn,
			Rule:      "INGEST_STALL",
			Details:   fmt.Sprintf("timeframe=%s last_ts=%d lag_bars=%.1f", fr.Timeframe, fr.LastTS, fr.LagBars),
		}
		if err := w.store.RecordRiskEvent(ctx, event); err != nil {
			return nil, err
		}
		logger.Warnf("ingest stall %s/%s: last bar %d, %.1f bars behind", w.opts.Symbol, fr.Timeframe, fr.LastTS, fr.LagBars)
	}
	return stale, nil
}
