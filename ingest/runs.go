package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunTracker opens and closes IngestRun rows.
type RunTracker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRunTracker(db *gorm.DB) *RunTracker {
	return &RunTracker{db: db, now: time.Now}
}

// Open records a running run for source.
func (t *RunTracker) Open(ctx context.Context, source, trigger string) (*IngestRun, error) {
	run := &IngestRun{
		RunKey:    uuid.NewString(),
		Source:    source,
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: t.now().UTC(),
	}
	if err := t.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, persistErr("open run", err)
	}
	return run, nil
}

// Close moves a running run to success or failed. A run is closed exactly
// once; closing it again returns ErrRunClosed and changes nothing.
func (t *RunTracker) Close(ctx context.Context, id uint, res Result, runErr error) (*IngestRun, error) {
	status := RunSuccess
	msg := ""
	if runErr != nil {
		status = RunFailed
		msg = runErr.Error()
	}
	finished := t.now().UTC()
	tx := t.db.WithContext(ctx).
		Model(&IngestRun{}).
		Where("id = ? AND status = ?", id, RunRunning).
		Updates(map[string]any{
			"status":         status,
			"fetched_count":  res.Fetched,
			"upserted_count": res.Upserted,
			"changed_count":  res.Changed,
			"skipped_count":  res.Skipped,
			"error":          msg,
			"finished_at":    finished,
		})
	if tx.Error != nil {
		return nil, persistErr("close run", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, fmt.Errorf("run %d: %w", id, ErrRunClosed)
	}
	return t.Get(ctx, id)
}

// ReapStale fails runs left in running by a process that died mid-run.
func (t *RunTracker) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	now := t.now().UTC()
	tx := t.db.WithContext(ctx).
		Model(&IngestRun{}).
		Where("status = ? AND started_at < ?", RunRunning, now.Add(-olderThan)).
		Updates(map[string]any{
			"status":      RunFailed,
			"error":       fmt.Sprintf("abandoned: still running after %s", olderThan),
			"finished_at": now,
		})
	if tx.Error != nil {
		return 0, persistErr("reap runs", tx.Error)
	}
	return tx.RowsAffected, nil
}

func (t *RunTracker) Get(ctx context.Context, id uint) (*IngestRun, error) {
	var run IngestRun
	if err := t.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, persistErr("get run", err)
	}
	return &run, nil
}

// Recent lists the newest runs, optionally for one source.
func (t *RunTracker) Recent(ctx context.Context, source string, limit int) ([]IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	q := t.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var runs []IngestRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, persistErr("list runs", err)
	}
	return runs, nil
}
