package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
)

const jobColumns = `id, title, body, image_urls, parse_mode, disable_preview,
	targets_mode, target_ids, schedule_type, run_at, cron, timezone, end_at,
	enabled, status, last_outcome, next_run_at, last_run_at, last_error,
	claim_holder, claim_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j                                     job.Job
		images, targets                       string
		runAt, endAt, nextRun, lastRun, until sql.NullInt64
		holder                                sql.NullString
		created, updated                      int64
	)
	err := r.Scan(&j.ID, &j.Title, &j.Body, &images, &j.ParseMode, &j.DisablePreview,
		&j.TargetsMode, &targets, &j.Type, &runAt, &j.Cron, &j.Timezone, &endAt,
		&j.Enabled, &j.Status, &j.LastOutcome, &nextRun, &lastRun, &j.LastError,
		&holder, &until, &created, &updated)
	if err != nil {
		return job.Job{}, err
	}
	if err := json.Unmarshal([]byte(images), &j.ImageURLs); err != nil {
		return job.Job{}, errors.Wrapf(err, "job %s image_urls", j.ID)
	}
	if err := json.Unmarshal([]byte(targets), &j.TargetIDs); err != nil {
		return job.Job{}, errors.Wrapf(err, "job %s target_ids", j.ID)
	}
	if len(j.ImageURLs) == 0 {
		j.ImageURLs = nil
	}
	if len(j.TargetIDs) == 0 {
		j.TargetIDs = nil
	}
	j.RunAt = fromMillis(runAt)
	j.EndAt = fromMillis(endAt)
	j.NextRunAt = fromMillis(nextRun)
	j.LastRunAt = fromMillis(lastRun)
	j.ClaimHolder = holder.String
	j.ClaimUntil = fromMillis(until)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

func (s *sqliteStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE enabled = 1
		   AND next_run_at IS NOT NULL AND next_run_at <= ?
		   AND (schedule_type = 'once' OR end_at IS NULL OR next_run_at <= end_at)
		   AND (claim_holder IS NULL OR claim_until IS NULL OR claim_until < ?)
		 ORDER BY next_run_at, id
		 LIMIT ?`,
		ms, ms, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fetch due")
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "fetch due")
}

func (s *sqliteStore) Claim(ctx context.Context, jobID, holder string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_holder = ?, claim_until = ?,
		   claim_prev_status = CASE
		     WHEN status = 'running' AND claim_prev_status IS NOT NULL THEN claim_prev_status
		     ELSE status END,
		   status = 'running', updated_at = ?
		 WHERE id = ?
		   AND (claim_holder IS NULL OR claim_until IS NULL OR claim_until < ? OR claim_holder = ?)`,
		holder, now.Add(lease).UnixMilli(), now.UnixMilli(), jobID, now.UnixMilli(), holder,
	)
	if err != nil {
		return errors.Wrapf(err, "claim job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missingOr(ctx, jobID, ErrClaimContention)
}

func (s *sqliteStore) Renew(ctx context.Context, jobID, holder string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_until = ? WHERE id = ? AND claim_holder = ?`,
		now.Add(lease).UnixMilli(), jobID, holder,
	)
	if err != nil {
		return errors.Wrapf(err, "renew claim %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missingOr(ctx, jobID, ErrClaimContention)
}

func (s *sqliteStore) Release(ctx context.Context, jobID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_holder = NULL, claim_until = NULL,
		   status = CASE WHEN status = 'running' THEN COALESCE(claim_prev_status, 'scheduled') ELSE status END,
		   claim_prev_status = NULL, updated_at = ?
		 WHERE id = ? AND claim_holder = ?`,
		s.now().UnixMilli(), jobID, holder,
	)
	return errors.Wrapf(err, "release claim %s", jobID)
}

func (s *sqliteStore) PersistResult(ctx context.Context, jobID, holder string, r Result) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_outcome = ?, enabled = ?, next_run_at = ?,
		   last_run_at = ?, last_error = ?, claim_prev_status = NULL, updated_at = ?
		 WHERE id = ? AND claim_holder = ?`,
		r.Status, r.LastOutcome, r.Enabled, millis(r.NextRunAt),
		millis(r.LastRunAt), r.LastError, s.now().UnixMilli(), jobID, holder,
	)
	if err != nil {
		return errors.Wrapf(err, "persist result %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missingOr(ctx, jobID, ErrClaimContention)
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return job.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}
	return j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func (s *sqliteStore) CreateJob(ctx context.Context, j *job.Job) error {
	now := s.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,NULL,?,?)`,
		j.ID, j.Title, j.Body, encodeJSON(j.ImageURLs), j.ParseMode, j.DisablePreview,
		j.TargetsMode, encodeJSON(j.TargetIDs), j.Type, millis(j.RunAt), j.Cron, j.Timezone, millis(j.EndAt),
		j.Enabled, j.Status, j.LastOutcome, millis(j.NextRunAt), millis(j.LastRunAt), j.LastError,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	return errors.Wrapf(err, "create job %s", j.ID)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, jobID string, enabled bool, next *time.Time) error {
	var (
		res sql.Result
		err error
		now = s.now().UnixMilli()
	)
	if next != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET enabled = ?, next_run_at = ?, status = 'scheduled', updated_at = ? WHERE id = ?`,
			enabled, next.UnixMilli(), now, jobID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, now, jobID)
	}
	if err != nil {
		return errors.Wrapf(err, "set enabled %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

// missingOr distinguishes an absent job from a lost race on an existing one.
func (s *sqliteStore) missingOr(ctx context.Context, jobID string, sentinel error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return errors.Wrapf(err, "lookup job %s", jobID)
	}
	return errors.Wrapf(sentinel, "job %s", jobID)
}
