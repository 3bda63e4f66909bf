package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/propbot/propbot/internal/opportunity"
	apperrors "github.com/propbot/propbot/pkg/errors"
)

// StartRun opens an ingest run in the running state and returns its id.
func (s *Store) StartRun(ctx context.Context, source opportunity.Source, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO ingest_runs (source, started_at, status) VALUES ($1, $2, 'running') RETURNING id`,
		string(source), startedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, apperrors.Storage("starting ingest run for "+string(source), err)
	}
	return id, nil
}

// UpdateRunCounters writes the running totals of an open run. GREATEST keeps
// the stored counters monotonic if an older snapshot lands late.
func (s *Store) UpdateRunCounters(ctx context.Context, runID int64, c opportunity.RunCounters) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE ingest_runs SET
		    records_fetched             = GREATEST(records_fetched, $2),
		    records_filtered_expired    = GREATEST(records_filtered_expired, $3),
		    records_filtered_capability = GREATEST(records_filtered_capability, $4),
		    records_inserted            = GREATEST(records_inserted, $5),
		    records_updated             = GREATEST(records_updated, $6),
		    records_rejected_invalid    = GREATEST(records_rejected_invalid, $7)
		 WHERE id = $1 AND status = 'running'`,
		runID, c.Fetched, c.FilteredExpired, c.FilteredCapability, c.Inserted, c.Updated, c.RejectedInvalid,
	)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("updating counters of run %d", runID), err)
	}
	return nil
}

// FinishRun finalizes a running run with its final counters. A run can be
// finalized once; finishing it again is an error.
func (s *Store) FinishRun(ctx context.Context, runID int64, status opportunity.RunStatus, c opportunity.RunCounters, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finishing run %d: status %q is not terminal", runID, status)
	}
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE ingest_runs SET
		    status                      = $2,
		    error_message               = $3,
		    completed_at                = NOW(),
		    records_fetched             = GREATEST(records_fetched, $4),
		    records_filtered_expired    = GREATEST(records_filtered_expired, $5),
		    records_filtered_capability = GREATEST(records_filtered_capability, $6),
		    records_inserted            = GREATEST(records_inserted, $7),
		    records_updated             = GREATEST(records_updated, $8),
		    records_rejected_invalid    = GREATEST(records_rejected_invalid, $9)
		 WHERE id = $1 AND status = 'running'`,
		runID, string(status), nullString(errMsg),
		c.Fetched, c.FilteredExpired, c.FilteredCapability, c.Inserted, c.Updated, c.RejectedInvalid,
	)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("finishing run %d", runID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("finishing run %d", runID), err)
	}
	if n == 0 {
		return fmt.Errorf("finishing run %d: run is not running", runID)
	}
	return nil
}

// RecentRuns lists the latest ingest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]opportunity.IngestRun, error) {
	limit = clamp(limit, 1, 100, 10)
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, source, started_at, completed_at, status, error_message,
		        records_fetched, records_filtered_expired, records_filtered_capability,
		        records_inserted, records_updated, records_rejected_invalid
		 FROM ingest_runs
		 ORDER BY started_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.Storage("listing ingest runs", err)
	}
	defer rows.Close()

	runs := make([]opportunity.IngestRun, 0)
	for rows.Next() {
		var (
			r           opportunity.IngestRun
			source      string
			status      string
			completedAt sql.NullTime
			errMsg      sql.NullString
		)
		if err := rows.Scan(&r.ID, &source, &r.StartedAt, &completedAt, &status, &errMsg,
			&r.Fetched, &r.FilteredExpired, &r.FilteredCapability,
			&r.Inserted, &r.Updated, &r.RejectedInvalid); err != nil {
			return nil, apperrors.Storage("listing ingest runs", err)
		}
		r.Source = opportunity.Source(source)
		r.Status = opportunity.RunStatus(status)
		r.ErrorMessage = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("listing ingest runs", err)
	}
	return runs, nil
}
