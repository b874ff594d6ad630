package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/common/errors"
)

// CreateJob inserts a new job row. A missing id gets a fresh uuid and a
// missing state defaults to QUEUED.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, thread_id, state, turn_id, next_seq, pending_approvals, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ThreadID, job.State, job.TurnID, job.NextSeq,
		job.PendingApprovals, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.ro.GetContext(ctx, &job, `
		SELECT id, thread_id, state, turn_id, next_seq, pending_approvals, error_message, created_at, updated_at, finished_at
		FROM jobs WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.JobNotFound(id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// UpdateJobState transitions a job to state, recording errorMessage and,
// for terminal states, finished_at.
func (s *Store) UpdateJobState(ctx context.Context, id, state, errorMessage string) error {
	now := time.Now().UTC()
	var finishedAt *time.Time
	if IsTerminalJobState(state) {
		finishedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error_message = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
		state, errorMessage, finishedAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.JobNotFound(id)
	}
	return nil
}

// SetJobTurnID records the agent-issued turn id for a job.
func (s *Store) SetJobTurnID(ctx context.Context, id, turnID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET turn_id = ?, updated_at = ? WHERE id = ?`,
		turnID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set job turn id: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.JobNotFound(id)
	}
	return nil
}

// AdjustJobPendingApprovals shifts the pending approval counter by delta,
// clamped at zero.
func (s *Store) AdjustJobPendingApprovals(ctx context.Context, id string, delta int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pending_approvals = MAX(0, pending_approvals + ?), updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("adjust job pending approvals: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.JobNotFound(id)
	}
	return nil
}

// ActiveJobForThread returns the thread's non-terminal job, or nil when the
// thread has none.
func (s *Store) ActiveJobForThread(ctx context.Context, threadID string) (*Job, error) {
	var job Job
	err := s.ro.GetContext(ctx, &job, `
		SELECT id, thread_id, state, turn_id, next_seq, pending_approvals, error_message, created_at, updated_at, finished_at
		FROM jobs
		WHERE thread_id = ? AND state NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		threadID, JobStateDone, JobStateFailed, JobStateCancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &job, nil
}

// ListActiveJobs returns every non-terminal job, oldest first.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.ro.SelectContext(ctx, &jobs, `
		SELECT id, thread_id, state, turn_id, next_seq, pending_approvals, error_message, created_at, updated_at, finished_at
		FROM jobs
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at`,
		JobStateDone, JobStateFailed, JobStateCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsForThread returns every job of a thread, newest first.
func (s *Store) ListJobsForThread(ctx context.Context, threadID string) ([]*Job, error) {
	var jobs []*Job
	err := s.ro.SelectContext(ctx, &jobs, `
		SELECT id, thread_id, state, turn_id, next_seq, pending_approvals, error_message, created_at, updated_at, finished_at
		FROM jobs WHERE thread_id = ? ORDER BY created_at DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for thread: %w", err)
	}
	return jobs, nil
}
