package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"arena/internal/store/model"
)

// RecordRiskEvent persists one risk-gate outcome for the audit trail.
func (s *Store) RecordRiskEvent(ctx context.Context, event *model.RiskEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(event).Error
}

// RecentRiskEvents returns the newest limit risk events, newest first.
func (s *Store) RecentRiskEvents(ctx context.Context, limit int) ([]model.RiskEvent, error) {
	var events []model.RiskEvent
	err := s.orm.WithContext(ctx).
		Order("timestamp DESC").Limit(limit).Find(&events).Error
	return events, err
}

// RecordIntegrityEvent persists one gap/duplicate/repair observation.
func (s *Store) RecordIntegrityEvent(ctx context.Context, event *model.IntegrityEvent) error {
	if event.DetectedAt == 0 {
		event.DetectedAt = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(event).Error
}

// ResolveIntegrityEvents marks every unresolved event covered by the repair
// job as resolved.
func (s *Store) ResolveIntegrityEvents(ctx context.Context, repairJobID string) error {
	return s.orm.WithContext(ctx).Model(&model.IntegrityEvent{}).
		Where("repair_job_id = ? AND resolved = ?", repairJobID, false).
		Update("resolved", true).Error
}

// UnresolvedIntegrityEvents returns open gap/duplicate events for a key.
func (s *Store) UnresolvedIntegrityEvents(ctx context.Context, symbol, timeframe string) ([]model.IntegrityEvent, error) {
	var events []model.IntegrityEvent
	err := s.orm.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND resolved = ?", symbol, timeframe, false).
		Order("start_ts ASC").Find(&events).Error
	return events, err
}

// EnqueueRepairJob creates a PENDING repair job. A job covering the same
// window that is still pending or running is reused instead of duplicated.
func (s *Store) EnqueueRepairJob(ctx context.Context, job *model.RepairJob) (created bool, err error) {
	now := time.Now().UnixMilli()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = model.RepairPending
	err = s.Tx(ctx, func(tx *gorm.DB) error {
		var existing model.RepairJob
		findErr := tx.Where(
			"symbol = ? AND timeframe = ? AND start_ts = ? AND end_ts = ? AND status IN ?",
			job.Symbol, job.Timeframe, job.StartTS, job.EndTS,
			[]model.RepairStatus{model.RepairPending, model.RepairRunning},
		).First(&existing).Error
		if findErr == nil {
			*job = existing
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		created = true
		return tx.Create(job).Error
	})
	return created, err
}

// NextRepairJob claims the oldest pending job by flipping it to RUNNING.
// Returns nil when the queue is empty.
func (s *Store) NextRepairJob(ctx context.Context) (*model.RepairJob, error) {
	var job model.RepairJob
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		findErr := tx.Where("status = ?", model.RepairPending).
			Order("created_at ASC").First(&job).Error
		if findErr != nil {
			return findErr
		}
		job.Status = model.RepairRunning
		job.UpdatedAt = time.Now().UnixMilli()
		return tx.Model(&model.RepairJob{}).Where("id = ?", job.ID).
			Updates(map[string]any{"status": job.Status, "updated_at": job.UpdatedAt}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FinishRepairJob records the terminal outcome of a repair job.
func (s *Store) FinishRepairJob(ctx context.Context, jobID string, status model.RepairStatus, repairedBars int64, message string) error {
	return s.orm.WithContext(ctx).Model(&model.RepairJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":        status,
			"repaired_bars": repairedBars,
			"message":       message,
			"updated_at":    time.Now().UnixMilli(),
		}).Error
}

// RecordDecision persists one decision-cycle outcome.
func (s *Store) RecordDecision(ctx context.Context, decision *model.Decision) error {
	if decision.Timestamp == 0 {
		decision.Timestamp = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(decision).Error
}

// RecentDecisions returns the newest limit decisions for symbol, newest first.
func (s *Store) RecentDecisions(ctx context.Context, symbol string, limit int) ([]model.Decision, error) {
	var decisions []model.Decision
	err := s.orm.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").Limit(limit).Find(&decisions).Error
	return decisions, err
}

// RecordLLMRun audits one model round trip, accepted or rejected.
func (s *Store) RecordLLMRun(ctx context.Context, run *model.LLMRun) error {
	if run.Timestamp == 0 {
		run.Timestamp = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(run).Error
}

// RecordBalanceSnapshot persists one account-balance poll result.
func (s *Store) RecordBalanceSnapshot(ctx context.Context, snap *model.BalanceSnapshot) error {
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(snap).Error
}

// RecordPositionSnapshot persists one venue-position poll result.
func (s *Store) RecordPositionSnapshot(ctx context.Context, snap *model.PositionSnapshot) error {
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}
	return s.orm.WithContext(ctx).Create(snap).Error
}

// StartIngestionRun opens an audit row for one ingest attempt.
func (s *Store) StartIngestionRun(ctx context.Context, run *model.IngestionRun) error {
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixMilli()
	}
	run.Status = "RUNNING"
	return s.orm.WithContext(ctx).Create(run).Error
}

// FinishIngestionRun closes an ingest audit row with its outcome.
func (s *Store) FinishIngestionRun(ctx context.Context, runID int64, rowsInserted int64, runErr error) error {
	updates := map[string]any{
		"ended_at":      time.Now().UnixMilli(),
		"rows_inserted": rowsInserted,
		"status":        "OK",
	}
	if runErr != nil {
		updates["status"] = "FAILED"
		updates["error"] = runErr.Error()
	}
	return s.orm.WithContext(ctx).Model(&model.IngestionRun{}).
		Where("id = ?", runID).Updates(updates).Error
}
