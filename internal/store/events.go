package store

import (
	"context"
	"fmt"
	"time"
)

const defaultListLimit = 200

// AppendEvent persists one envelope row and advances the owning job's
// next_seq to seq+1 in the same transaction. The caller (the per-job
// writer) assigns seq; the store trusts it.
func (s *Store) AppendEvent(ctx context.Context, event *Event) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (job_id, seq, thread_id, type, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.JobID, event.Seq, event.ThreadID, event.Type, event.TS, string(payload),
	)
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET next_seq = ?, updated_at = ? WHERE id = ?`,
			event.Seq+1, time.Now().UTC(), event.JobID,
		)
	}
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback append event: %w", rollbackErr)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// ListEvents returns up to limit events of a job with seq > afterSeq in seq
// order, and whether more remain past the page.
func (s *Store) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*Event, bool, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var events []*Event
	err := s.ro.SelectContext(ctx, &events, `
		SELECT job_id, seq, thread_id, type, ts, payload
		FROM events WHERE job_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`,
		jobID, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list events: %w", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, nil
}

// FirstEventSeq returns the lowest retained seq of a job, or -1 when the
// job has no retained events.
func (s *Store) FirstEventSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	err := s.ro.GetContext(ctx, &seq, `
		SELECT COALESCE(MIN(seq), -1) FROM events WHERE job_id = ?`, jobID)
	if err != nil {
		return -1, fmt.Errorf("first event seq: %w", err)
	}
	return seq, nil
}

// DeleteEventsBelow removes retained events of a job with seq < belowSeq
// and returns the number of deleted rows. Retention trimming.
func (s *Store) DeleteEventsBelow(ctx context.Context, jobID string, belowSeq int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE job_id = ? AND seq < ?`, jobID, belowSeq)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// ListJobEventsForThread returns every retained event of one job in seq
// order. Projection merges read this after job.finished.
func (s *Store) ListJobEventsForThread(ctx context.Context, jobID string) ([]*Event, error) {
	var events []*Event
	err := s.ro.SelectContext(ctx, &events, `
		SELECT job_id, seq, thread_id, type, ts, payload
		FROM events WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return events, nil
}
