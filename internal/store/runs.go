package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blackshrub/faithtracker/internal/models"
)

// RecordRun appends one job execution to the run log.
func (s *Store) RecordRun(ctx context.Context, run models.JobRun) error {
	stats := run.Stats
	if stats == nil {
		stats = map[string]int{}
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_name, holder_id, started_at, finished_at, outcome, stats, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.RunID, run.JobName, run.HolderID, run.StartedAt, run.FinishedAt, run.Outcome, statsJSON, run.Error)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// LastSuccessfulRun returns when a job last finished without a fatal
// error. Interval schedules measure their elapsed time from this.
func (s *Store) LastSuccessfulRun(ctx context.Context, jobName string) (time.Time, bool, error) {
	var finished time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT finished_at FROM job_runs
		WHERE job_name = $1 AND outcome IN ($2, $3)
		ORDER BY finished_at DESC LIMIT 1
	`, jobName, models.RunSucceeded, models.RunPartial).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last successful run: %w", err)
	}
	return finished, true, nil
}
