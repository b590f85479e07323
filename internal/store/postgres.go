package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

// PGStore backs the job store with Postgres. Expected schema:
//
//	CREATE TABLE jobs (
//	    id               text PRIMARY KEY,
//	    fingerprint      text NOT NULL,
//	    kind             text NOT NULL,
//	    payload          bytea,
//	    requester        text NOT NULL,
//	    provider         text NOT NULL DEFAULT '',
//	    state            text NOT NULL,
//	    attempt_count    int  NOT NULL DEFAULT 0,
//	    not_before       timestamptz NOT NULL DEFAULT now(),
//	    last_error       text NOT NULL DEFAULT '',
//	    result           bytea,
//	    cancel_requested boolean NOT NULL DEFAULT false,
//	    created_at       timestamptz NOT NULL,
//	    updated_at       timestamptz NOT NULL
//	);
//	CREATE TABLE job_attempts (
//	    seq     bigserial PRIMARY KEY,
//	    job_id  text NOT NULL REFERENCES jobs (id),
//	    attempt jsonb NOT NULL
//	);
//	CREATE TABLE fingerprints (
//	    fp     text PRIMARY KEY,
//	    job_id text NOT NULL
//	);
//
// Schema management itself is an external concern.
type PGStore struct {
	db *sql.DB
}

func NewPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Create(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, fingerprint, kind, payload, requester, provider, state,
		                  attempt_count, not_before, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), $10, $11, $12)
	`, j.ID, j.Fingerprint, string(j.Kind), j.Payload, j.Requester, j.Provider,
		string(j.State), j.AttemptCount, nullTime(j.NotBefore), j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: create job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PGStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, kind, payload, requester, provider, state,
		       attempt_count, not_before, last_error, result, created_at, updated_at
		  FROM jobs
		 WHERE id = $1
	`, id)

	j := &job.Job{ID: id}
	var kind, state string
	if err := row.Scan(&j.Fingerprint, &kind, &j.Payload, &j.Requester, &j.Provider, &state,
		&j.AttemptCount, &j.NotBefore, &j.LastError, &j.Result, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get job %s: %v", job.ErrStoreUnavailable, id, err)
	}
	j.Kind = job.Kind(kind)
	j.State = job.State(state)
	return j, nil
}

func (s *PGStore) CompareAndSwapState(ctx context.Context, id string, from, to job.State, tr Transition) (*job.Job, error) {
	if !job.ValidTransition(from, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s: %w", from, to, job.ErrConflict)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET state         = $3,
		       attempt_count = attempt_count + $4,
		       not_before    = COALESCE($5, not_before),
		       result        = COALESCE($6, result),
		       last_error    = CASE WHEN $7 <> '' THEN $7 ELSE last_error END,
		       updated_at    = now()
		 WHERE id = $1 AND state = $2
	`, id, string(from), string(to), boolToInt(tr.IncrementAttempt),
		nullTime(tr.NotBefore), tr.Result, tr.LastError)
	if err != nil {
		return nil, fmt.Errorf("%w: cas job %s: %v", job.ErrStoreUnavailable, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing job from a lost race.
		if _, err := s.Get(ctx, id); errors.Is(err, job.ErrNotFound) {
			return nil, job.ErrNotFound
		}
		return nil, job.ErrConflict
	}
	return s.Get(ctx, id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *PGStore) AppendAttempt(ctx context.Context, id string, at job.Attempt) error {
	data, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO job_attempts (job_id, attempt) VALUES ($1, $2)`, id, data); err != nil {
		return fmt.Errorf("%w: append attempt for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *PGStore) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt FROM job_attempts WHERE job_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: attempts for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	defer rows.Close()

	var attempts []job.Attempt
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: scan attempt: %v", job.ErrStoreUnavailable, err)
		}
		var at job.Attempt
		if err := json.Unmarshal(data, &at); err != nil {
			return nil, fmt.Errorf("unmarshal attempt for %s: %w", id, err)
		}
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

func (s *PGStore) ListEligiblePending(ctx context.Context, limit int64, now time.Time) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		  FROM jobs
		 WHERE state = 'pending' AND not_before <= $1
		 ORDER BY not_before, id
		 LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", job.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan pending id: %v", job.ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: pending depth: %v", job.ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *PGStore) BindFingerprint(ctx context.Context, fp, jobID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (fp, job_id) VALUES ($1, $2)
		ON CONFLICT (fp) DO NOTHING
	`, fp, jobID)
	if err != nil {
		return "", false, fmt.Errorf("%w: bind fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return jobID, true, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT job_id FROM fingerprints WHERE fp = $1`, fp).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return s.BindFingerprint(ctx, fp, jobID)
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	return existing, false, nil
}

func (s *PGStore) ReleaseFingerprint(ctx context.Context, fp, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE fp = $1 AND job_id = $2`, fp, jobID); err != nil {
		return fmt.Errorf("%w: release fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PGStore) RequestCancel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = true, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: request cancel for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *PGStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, job.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: check cancel for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return requested, nil
}

func (s *PGStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET state = 'pending', not_before = now(), updated_at = now(),
		       last_error = 'attempt abandoned: worker claim expired'
		 WHERE state = 'dispatched' AND updated_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("%w: recover stuck: %v", job.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
