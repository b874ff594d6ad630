package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/common/errors"
)

// CreateApproval inserts a new undecided approval. A missing id gets a
// fresh uuid.
func (s *Store) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	approval.CreatedAt = time.Now().UTC()

	payload := approval.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, job_id, thread_id, kind, turn_id, item_id, command, cwd, reason, payload, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.JobID, approval.ThreadID, approval.Kind,
		approval.TurnID, approval.ItemID, approval.Command, approval.Cwd,
		approval.Reason, string(payload), approval.RequestID, approval.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var approval Approval
	err := s.ro.GetContext(ctx, &approval, `
		SELECT id, job_id, thread_id, kind, turn_id, item_id, command, cwd, reason, payload, request_id, decision, decided_at, created_at
		FROM approvals WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ApprovalNotFound(id)
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &approval, nil
}

// OpenApprovalByFingerprint returns the undecided approval of a job
// matching (turnId, itemId, command, cwd), or nil when none matches.
// Coalescing only applies when every fingerprint field is non-empty; the
// caller enforces that before asking.
func (s *Store) OpenApprovalByFingerprint(ctx context.Context, jobID, turnID, itemID, command, cwd string) (*Approval, error) {
	var approval Approval
	err := s.ro.GetContext(ctx, &approval, `
		SELECT id, job_id, thread_id, kind, turn_id, item_id, command, cwd, reason, payload, request_id, decision, decided_at, created_at
		FROM approvals
		WHERE job_id = ? AND turn_id = ? AND item_id = ? AND command = ? AND cwd = ? AND decision IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		jobID, turnID, itemID, command, cwd)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval by fingerprint: %w", err)
	}
	return &approval, nil
}

// SetApprovalRequestID supersedes the stored agent request id. The latest
// repeated request wins; the decision is answered on this id.
func (s *Store) SetApprovalRequestID(ctx context.Context, id string, requestID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET request_id = ? WHERE id = ?`, requestID, id)
	if err != nil {
		return fmt.Errorf("set approval request id: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ApprovalNotFound(id)
	}
	return nil
}

// ResolveApproval records a decision if none has been recorded yet and
// reports whether this call applied it. A false return with nil error means
// the approval was already decided.
func (s *Store) ResolveApproval(ctx context.Context, id, decision string) (bool, error) {
	decidedAt := time.Now().UTC().Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET decision = ?, decided_at = ? WHERE id = ? AND decision IS NULL`,
		decision, decidedAt, id)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListOpenApprovalsForJob returns a job's undecided approvals, oldest first.
func (s *Store) ListOpenApprovalsForJob(ctx context.Context, jobID string) ([]*Approval, error) {
	var approvals []*Approval
	err := s.ro.SelectContext(ctx, &approvals, `
		SELECT id, job_id, thread_id, kind, turn_id, item_id, command, cwd, reason, payload, request_id, decision, decided_at, created_at
		FROM approvals WHERE job_id = ? AND decision IS NULL
		ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list open approvals: %w", err)
	}
	return approvals, nil
}
