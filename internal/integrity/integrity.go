// Package integrity audits the stored candle series for gaps and
// duplicate timestamps, records what it finds, and repairs gaps by
// refetching the missing window from the venue.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"arena/internal/exchange"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/store"
	"arena/internal/store/model"
)

// defaultScanDays bounds a scan with no explicit range.
const defaultScanDays = 90

// severity buckets by missing or duplicate bar count.
func severity(missing, duplicates int64) string {
	worst := missing
	if duplicates > worst {
		worst = duplicates
	}
	switch {
	case worst >= 100:
		return "HIGH"
	case worst >= 20:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// SeriesReport summarizes one timeframe's scan.
type SeriesReport struct {
	Timeframe  string `json:"timeframe"`
	Bars       int    `json:"bars"`
	Gaps       int    `json:"gaps"`
	Duplicates int64  `json:"duplicates"`
}

// Scanner walks the candle grid and files integrity events plus repair
// jobs for every hole it finds.
type Scanner struct {
	store      *store.Store
	symbol     string
	timeframes []string
}

func NewScanner(st *store.Store, symbol string, timeframes []string) *Scanner {
	if len(timeframes) == 0 {
		timeframes = []string{"15m", "1h", "4h", "1d"}
	}
	return &Scanner{store: st, symbol: symbol, timeframes: timeframes}
}

// Scan checks [startTS, endTS] on every configured timeframe. A zero
// range scans the trailing default window.
func (s *Scanner) Scan(ctx context.Context, startTS, endTS int64) ([]SeriesReport, error) {
	if startTS == 0 && endTS == 0 {
		endTS = time.Now().UnixMilli()
		startTS = endTS - int64(defaultScanDays)*24*int64(time.Hour/time.Millisecond)
	}
	detectedAt := time.Now().UnixMilli()

	var reports []SeriesReport
	for _, key := range s.timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		report, err := s.scanSeries(ctx, tf, startTS, endTS, detectedAt)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (s *Scanner) scanSeries(ctx context.Context, tf market.Timeframe, startTS, endTS, detectedAt int64) (SeriesReport, error) {
	report := SeriesReport{Timeframe: tf.Key}
	alStart, alEnd := tf.AlignRange(startTS, endTS)
	timestamps, err := s.store.CandleTimestamps(ctx, s.symbol, tf.Key, alStart, alEnd+1)
	if err != nil {
		return report, err
	}
	report.Bars = len(timestamps)
	if len(timestamps) == 0 {
		return report, nil
	}

	// The primary key already rules out duplicate rows; what can still
	// appear is a bar off the grid, which collides with its aligned
	// neighbor once snapped.
	seen := make(map[int64]int, len(timestamps))
	var unique []int64
	for _, ts := range timestamps {
		aligned := tf.AlignDown(ts)
		seen[aligned]++
		if seen[aligned] == 1 {
			unique = append(unique, aligned)
		}
	}
	var duplicates int64
	for _, cnt := range seen {
		if cnt > 1 {
			duplicates += int64(cnt - 1)
		}
	}
	report.Duplicates = duplicates
	if duplicates > 0 {
		event := &model.IntegrityEvent{
			Symbol:        s.symbol,
			Timeframe:     tf.Key,
			Type:          model.IntegrityDuplicate,
			StartTS:       unique[0],
			EndTS:         unique[len(unique)-1],
			ActualBars:    int64(len(timestamps)),
			DuplicateBars: duplicates,
			Severity:      severity(0, duplicates),
			DetectedAt:    detectedAt,
		}
		if err := s.store.RecordIntegrityEvent(ctx, event); err != nil {
			return report, err
		}
	}

	step := tf.Millis()
	for i := 1; i < len(unique); i++ {
		delta := unique[i] - unique[i-1]
		if delta <= step {
			continue
		}
		missing := delta/step - 1
		gapStart := unique[i-1] + step
		gapEnd := unique[i] - step
		report.Gaps++

		job := &model.RepairJob{
			JobID:     uuid.NewString(),
			Symbol:    s.symbol,
			Timeframe: tf.Key,
			StartTS:   gapStart,
			EndTS:     gapEnd,
		}
		created, err := s.store.EnqueueRepairJob(ctx, job)
		if err != nil {
			return report, err
		}
		event := &model.IntegrityEvent{
			Symbol:       s.symbol,
			Timeframe:    tf.Key,
			Type:         model.IntegrityGap,
			StartTS:      gapStart,
			EndTS:        gapEnd,
			ExpectedBars: missing + 2,
			ActualBars:   2,
			MissingBars:  missing,
			Severity:     severity(missing, 0),
			DetectedAt:   detectedAt,
			RepairJobID:  job.JobID,
		}
		if err := s.store.RecordIntegrityEvent(ctx, event); err != nil {
			return report, err
		}
		if created {
			logger.Infof("gap %s/%s [%d,%d]: %d bars missing, repair %s queued",
				s.symbol, tf.Key, gapStart, gapEnd, missing, job.JobID)
		}
	}
	return report, nil
}

// Repairer drains the repair queue by refetching gap windows.
type Repairer struct {
	store  *store.Store
	source exchange.CandleSource
}

func NewRepairer(st *store.Store, source exchange.CandleSource) *Repairer {
	return &Repairer{store: st, source: source}
}

// RunOnce claims and executes at most maxJobs pending repairs. Returns
// the number of jobs processed.
func (r *Repairer) RunOnce(ctx context.Context, maxJobs int) (int, error) {
	if maxJobs <= 0 {
		maxJobs = 10
	}
	processed := 0
	for processed < maxJobs {
		job, err := r.store.NextRepairJob(ctx)
		if err != nil {
			return processed, err
		}
		if job == nil {
			return processed, nil
		}
		processed++
		if err := r.repair(ctx, job); err != nil {
			logger.Errorf("repair %s failed: %v", job.JobID, err)
			if finErr := r.store.FinishRepairJob(ctx, job.JobID, model.RepairFailed, 0, err.Error()); finErr != nil {
				return processed, finErr
			}
		}
	}
	return processed, nil
}

func (r *Repairer) repair(ctx context.Context, job *model.RepairJob) error {
	tf, err := market.ParseTimeframe(job.Timeframe)
	if err != nil {
		return err
	}
	expected := tf.ExpectedBars(job.StartTS, job.EndTS)

	var repaired int64
	since := job.StartTS
	for since <= job.EndTS {
		remaining := tf.ExpectedBars(since, job.EndTS)
		limit := int(remaining)
		if limit > 300 {
			limit = 300
		}
		batch, err := r.source.FetchCandles(ctx, job.Symbol, job.Timeframe, since, limit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			ts := tf.AlignDown(c.Timestamp)
			if ts > job.EndTS {
				continue
			}
			err := r.store.ReplaceCandle(ctx, market.Candle{
				Symbol:    job.Symbol,
				Timeframe: job.Timeframe,
				Timestamp: ts,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			})
			if err != nil {
				return err
			}
			repaired++
		}
		last := tf.AlignDown(batch[len(batch)-1].Timestamp)
		if last < since {
			return fmt.Errorf("venue returned bars before repair window: %d < %d", last, since)
		}
		since = last + tf.Millis()
	}

	msg := fmt.Sprintf("repaired %d of %d bars", repaired, expected)
	if err := r.store.FinishRepairJob(ctx, job.JobID, model.RepairDone, repaired, msg); err != nil {
		return err
	}
	if err := r.store.ResolveIntegrityEvents(ctx, job.JobID); err != nil {
		return err
	}
	// The repair outcome joins the same audit trail as the gap it fixed.
	outcome := &model.IntegrityEvent{
		Symbol:       job.Symbol,
		Timeframe:    job.Timeframe,
		Type:         model.IntegrityRepair,
		StartTS:      job.StartTS,
		EndTS:        job.EndTS,
		ExpectedBars: expected,
		ActualBars:   repaired,
		DetectedAt:   time.Now().UnixMilli(),
		RepairJobID:  job.JobID,
		Resolved:     true,
	}
	if err := r.store.RecordIntegrityEvent(ctx, outcome); err != nil {
		return err
	}
	logger.Infof("repair %s done: %s", job.JobID, msg)
	return nil
}
