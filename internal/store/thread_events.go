package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ReplaceThreadEvents drops a thread's projection and writes events in its
// place, renumbered densely from 0. Used when a thread is rebuilt from the
// agent's authoritative history.
func (s *Store) ReplaceThreadEvents(ctx context.Context, threadID string, events []*ThreadEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace thread events: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM thread_events WHERE thread_id = ?`, threadID)
	if err == nil {
		for i, event := range events {
			event.ThreadID = threadID
			event.Seq = int64(i)
			if err = insertThreadEvent(ctx, tx, event); err != nil {
				break
			}
		}
	}
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback replace thread events: %w", rollbackErr)
		}
		return fmt.Errorf("replace thread events: %w", err)
	}
	return tx.Commit()
}

// AppendThreadEvents extends a thread's projection, assigning each event
// the next dense seq. Used when a finished job's envelopes are merged in.
func (s *Store) AppendThreadEvents(ctx context.Context, threadID string, events []*ThreadEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append thread events: %w", err)
	}

	var next int64
	err = tx.GetContext(ctx, &next, `
		SELECT COALESCE(MAX(seq) + 1, 0) FROM thread_events WHERE thread_id = ?`, threadID)
	if err == nil {
		for _, event := range events {
			event.ThreadID = threadID
			event.Seq = next
			next++
			if err = insertThreadEvent(ctx, tx, event); err != nil {
				break
			}
		}
	}
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback append thread events: %w", rollbackErr)
		}
		return fmt.Errorf("append thread events: %w", err)
	}
	return tx.Commit()
}

func insertThreadEvent(ctx context.Context, tx *sqlx.Tx, event *ThreadEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO thread_events (thread_id, seq, type, ts, payload)
		VALUES (?, ?, ?, ?, ?)`,
		event.ThreadID, event.Seq, event.Type, event.TS, string(payload),
	)
	return err
}

// ListThreadEvents returns up to limit projection events with seq > afterSeq
// in seq order, and whether more remain past the page.
func (s *Store) ListThreadEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*ThreadEvent, bool, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var events []*ThreadEvent
	err := s.ro.SelectContext(ctx, &events, `
		SELECT thread_id, seq, type, ts, payload
		FROM thread_events WHERE thread_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`,
		threadID, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list thread events: %w", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return events, hasMore, nil
}

// CountThreadEvents returns the projection size of a thread.
func (s *Store) CountThreadEvents(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.ro.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM thread_events WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("count thread events: %w", err)
	}
	return count, nil
}
