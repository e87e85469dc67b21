package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"arena/internal/store/model"
)

// SaveBacktestRun persists a completed run with its trades, position track
// and decision log in one transaction. A run is either fully stored or
// absent; partial runs never survive.
func (s *Store) SaveBacktestRun(ctx context.Context, run *model.BacktestRun,
	trades []model.BacktestTrade, positions []model.BacktestPosition,
	decisions []model.BacktestDecision) error {

	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixMilli()
	}
	if run.SchemaVersion == 0 {
		run.SchemaVersion = 1
	}
	return s.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for i := range trades {
			trades[i].RunID = run.RunID
		}
		if len(trades) > 0 {
			if err := tx.CreateInBatches(trades, 200).Error; err != nil {
				return err
			}
		}
		for i := range positions {
			positions[i].RunID = run.RunID
		}
		if len(positions) > 0 {
			if err := tx.CreateInBatches(positions, 500).Error; err != nil {
				return err
			}
		}
		for i := range decisions {
			decisions[i].RunID = run.RunID
		}
		if len(decisions) > 0 {
			if err := tx.CreateInBatches(decisions, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBacktestRun fetches a run header by its run_id, nil when absent.
func (s *Store) GetBacktestRun(ctx context.Context, runID string) (*model.BacktestRun, error) {
	var run model.BacktestRun
	err := s.orm.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListBacktestRuns returns the newest limit run headers, newest first.
func (s *Store) ListBacktestRuns(ctx context.Context, limit int) ([]model.BacktestRun, error) {
	var runs []model.BacktestRun
	err := s.orm.WithContext(ctx).
		Order("created_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// BacktestTrades returns the closed trades of one run in entry order.
func (s *Store) BacktestTrades(ctx context.Context, runID string) ([]model.BacktestTrade, error) {
	var trades []model.BacktestTrade
	err := s.orm.WithContext(ctx).
		Where("run_id = ?", runID).Order("entry_ts ASC").Find(&trades).Error
	return trades, err
}
