package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/common/errors"
)

// CreateThread inserts a new thread. A missing id gets a fresh uuid.
func (s *Store) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	thread.CreatedAt = now
	thread.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, name, project_path, preview, model, approval_policy, sandbox, archived, pending_approvals, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.Name, thread.ProjectPath, thread.Preview, thread.Model,
		thread.ApprovalPolicy, thread.Sandbox, thread.Archived, thread.PendingApprovals,
		thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var thread Thread
	err := s.ro.GetContext(ctx, &thread, `
		SELECT id, name, project_path, preview, model, approval_policy, sandbox, archived, pending_approvals, created_at, updated_at
		FROM threads WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ThreadNotFound(id)
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &thread, nil
}

// ListThreads returns threads with the given archived flag, most recently
// updated first.
func (s *Store) ListThreads(ctx context.Context, archived bool) ([]*Thread, error) {
	var threads []*Thread
	err := s.ro.SelectContext(ctx, &threads, `
		SELECT id, name, project_path, preview, model, approval_policy, sandbox, archived, pending_approvals, created_at, updated_at
		FROM threads WHERE archived = ? ORDER BY updated_at DESC`, archived)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// UpdateThread updates the mutable thread fields.
func (s *Store) UpdateThread(ctx context.Context, thread *Thread) error {
	thread.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET name = ?, preview = ?, model = ?, approval_policy = ?, sandbox = ?, updated_at = ?
		WHERE id = ?`,
		thread.Name, thread.Preview, thread.Model, thread.ApprovalPolicy, thread.Sandbox,
		thread.UpdatedAt, thread.ID,
	)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ThreadNotFound(thread.ID)
	}
	return nil
}

// UpdateThreadPreview replaces the preview text and bumps updated_at.
func (s *Store) UpdateThreadPreview(ctx context.Context, id, preview string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET preview = ?, updated_at = ? WHERE id = ?`,
		preview, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update thread preview: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ThreadNotFound(id)
	}
	return nil
}

// SetThreadArchived flips the archived flag.
func (s *Store) SetThreadArchived(ctx context.Context, id string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set thread archived: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ThreadNotFound(id)
	}
	return nil
}

// AdjustThreadPendingApprovals shifts the pending approval counter by delta,
// clamped at zero.
func (s *Store) AdjustThreadPendingApprovals(ctx context.Context, id string, delta int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET pending_approvals = MAX(0, pending_approvals + ?), updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("adjust thread pending approvals: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ThreadNotFound(id)
	}
	return nil
}
