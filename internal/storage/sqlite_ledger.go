package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
)

func (s *sqliteStore) LookupDelivery(ctx context.Context, jobID, executionID string, targetID int64) (job.Delivery, bool, error) {
	var (
		d       job.Delivery
		ids     string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, execution_id, target_id, status, attempts, message_ids, error, created_at
		 FROM deliveries WHERE job_id = ? AND execution_id = ? AND target_id = ?`,
		jobID, executionID, targetID,
	).Scan(&d.JobID, &d.ExecutionID, &d.TargetID, &d.Status, &d.Attempts, &ids, &d.Error, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Delivery{}, false, nil
	}
	if err != nil {
		return job.Delivery{}, false, errors.Wrap(err, "lookup delivery")
	}
	_ = json.Unmarshal([]byte(ids), &d.MessageIDs)
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, true, nil
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, d job.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(job_id, execution_id, target_id, status, attempts, message_ids, error, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id, execution_id, target_id) DO NOTHING`,
		d.JobID, d.ExecutionID, d.TargetID, d.Status, d.Attempts,
		encodeJSON(d.MessageIDs), d.Error, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "record delivery")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrDuplicate, "%s/%s/%d", d.JobID, d.ExecutionID, d.TargetID)
	}
	return nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, jobID string, limit int) ([]job.Delivery, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, execution_id, target_id, status, attempts, message_ids, error, created_at
		 FROM deliveries WHERE job_id = ? ORDER BY created_at DESC, target_id LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list deliveries")
	}
	defer rows.Close()

	var out []job.Delivery
	for rows.Next() {
		var (
			d       job.Delivery
			ids     string
			created int64
		)
		if err := rows.Scan(&d.JobID, &d.ExecutionID, &d.TargetID, &d.Status, &d.Attempts, &ids, &d.Error, &created); err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		_ = json.Unmarshal([]byte(ids), &d.MessageIDs)
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list deliveries")
}

// ---- executions ----

func (s *sqliteStore) StartExecution(ctx context.Context, e job.Execution) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, manual, started_at, targets)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET started_at = excluded.started_at, targets = excluded.targets,
		   finished_at = NULL, outcome = ''`,
		e.ID, e.JobID, e.Manual, e.StartedAt.UnixMilli(), e.Targets,
	)
	return errors.Wrapf(err, "start execution %s", e.ID)
}

func (s *sqliteStore) FinishExecution(ctx context.Context, e job.Execution) error {
	fin := e.FinishedAt
	if fin == nil {
		t := s.now()
		fin = &t
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET finished_at = ?, outcome = ?, targets = ?, sent = ?, failed = ?, skipped = ?
		 WHERE id = ?`,
		fin.UnixMilli(), e.Outcome, e.Targets, e.Sent, e.Failed, e.Skipped, e.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "finish execution %s", e.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	return nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, manual, started_at, finished_at, outcome, targets, sent, failed, skipped
		 FROM executions WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var out []job.Execution
	for rows.Next() {
		var (
			e       job.Execution
			started int64
			fin     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Manual, &started, &fin, &e.Outcome,
			&e.Targets, &e.Sent, &e.Failed, &e.Skipped); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = fromMillis(fin)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list executions")
}
