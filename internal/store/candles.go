package store

import (
	"context"
	"database/sql"
	"fmt"

	"arena/internal/market"
)

// UpsertCandles inserts candles with insert-or-ignore semantics: a bar that
// already exists at (symbol, timeframe, timestamp) is left untouched.
// Returns the number of rows actually inserted.
func (s *Store) UpsertCandles(ctx context.Context, candles []market.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO market_data (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	var inserted int64
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("candle %s/%s@%d: %w", c.Symbol, c.Timeframe, c.Timestamp, err)
		}
		res, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ReplaceCandle overwrites the bar at the candle's key. Repair jobs use this
// to replace corrupt or synthetic bars with venue data.
func (s *Store) ReplaceCandle(ctx context.Context, c market.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_data (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`,
		c.Symbol, c.Timeframe, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
	return err
}

// GetCandles returns the newest limit bars ascending by timestamp.
func (s *Store) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM (
			SELECT symbol, timeframe, timestamp, open, high, low, close, volume
			FROM market_data WHERE symbol = ? AND timeframe = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetCandleRange returns bars with startTS <= timestamp < endTS, ascending.
func (s *Store) GetCandleRange(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]market.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume
		FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, symbol, timeframe, startTS, endTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]market.Candle, error) {
	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCandleTS returns the newest stored bar open time, or ok=false when
// no bars exist for the key.
func (s *Store) LatestCandleTS(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	var ts sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM market_data WHERE symbol = ? AND timeframe = ?`, symbol, timeframe)
	if err := row.Scan(&ts); err != nil {
		return 0, false, err
	}
	return ts.Int64, ts.Valid, nil
}

// CandleCoverage reports min/max timestamps and the bar count for a key.
func (s *Store) CandleCoverage(ctx context.Context, symbol, timeframe string) (minTS, maxTS, count int64, err error) {
	var lo, hi sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp), MAX(timestamp), COUNT(*) FROM market_data
		WHERE symbol = ? AND timeframe = ?`, symbol, timeframe)
	if err = row.Scan(&lo, &hi, &count); err != nil {
		return 0, 0, 0, err
	}
	return lo.Int64, hi.Int64, count, nil
}

// CandleTimestamps returns just the open times in [startTS, endTS), ascending.
// Gap scans use this to avoid loading full bars.
func (s *Store) CandleTimestamps(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, symbol, timeframe, startTS, endTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// InsertFundingRates stores funding observations, ignoring duplicates.
func (s *Store) InsertFundingRates(ctx context.Context, rates []market.FundingRate) (int64, error) {
	if len(rates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO funding_rates (symbol, timestamp, funding_rate, next_funding_time)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	var inserted int64
	for _, r := range rates {
		res, err := stmt.ExecContext(ctx, r.Symbol, r.Timestamp, r.Rate, r.NextFundingTS)
		if err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LatestFundingRate returns the newest funding observation for symbol.
func (s *Store) LatestFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	var r market.FundingRate
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timestamp, funding_rate, next_funding_time
		FROM funding_rates WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1`, symbol)
	if err := row.Scan(&r.Symbol, &r.Timestamp, &r.Rate, &r.NextFundingTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// FundingRateRange returns funding observations in [startTS, endTS), ascending.
func (s *Store) FundingRateRange(ctx context.Context, symbol string, startTS, endTS int64) ([]market.FundingRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timestamp, funding_rate, next_funding_time
		FROM funding_rates WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, symbol, startTS, endTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.FundingRate
	for rows.Next() {
		var r market.FundingRate
		if err := rows.Scan(&r.Symbol, &r.Timestamp, &r.Rate, &r.NextFundingTS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertPriceSnapshot stores one ticker observation.
func (s *Store) InsertPriceSnapshot(ctx context.Context, p market.PriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO price_snapshots (symbol, timestamp, last_price, mark_price, index_price)
		VALUES (?, ?, ?, ?, ?)`, p.Symbol, p.Timestamp, p.Last, p.Mark, p.Index)
	return err
}

// LatestPriceSnapshot returns the newest ticker observation for symbol.
func (s *Store) LatestPriceSnapshot(ctx context.Context, symbol string) (*market.PriceSnapshot, error) {
	var p market.PriceSnapshot
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timestamp, last_price, mark_price, index_price
		FROM price_snapshots WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1`, symbol)
	if err := row.Scan(&p.Symbol, &p.Timestamp, &p.Last, &p.Mark, &p.Index); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// InsertOpenInterest stores one open-interest observation.
func (s *Store) InsertOpenInterest(ctx context.Context, oi market.OpenInterest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO open_interest (symbol, timestamp, open_interest, open_interest_value)
		VALUES (?, ?, ?, ?)`, oi.Symbol, oi.Timestamp, oi.Contracts, oi.Notional)
	return err
}

// LatestOpenInterest returns the newest open-interest observation for symbol.
func (s *Store) LatestOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	var oi market.OpenInterest
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timestamp, open_interest, open_interest_value
		FROM open_interest WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1`, symbol)
	if err := row.Scan(&oi.Symbol, &oi.Timestamp, &oi.Contracts, &oi.Notional); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &oi, nil
}
