package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendTestEvents(t *testing.T, s *Store, job *Job, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		event := &Event{
			JobID:    job.ID,
			Seq:      int64(i),
			ThreadID: job.ThreadID,
			Type:     "item.agentMessage.delta",
			TS:       time.Now().UTC().Format(time.RFC3339Nano),
			Payload:  json.RawMessage(fmt.Sprintf(`{"delta":"chunk-%d"}`, i)),
		}
		require.NoError(t, s.AppendEvent(context.Background(), event))
	}
}

func TestAppendEvent_AdvancesNextSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)
	appendTestEvents(t, s, job, 3)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.NextSeq)

	events, hasMore, err := s.ListEvents(ctx, job.ID, -1, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i), event.Seq)
		assert.JSONEq(t, fmt.Sprintf(`{"delta":"chunk-%d"}`, i), string(event.Payload))
	}
}

func TestAppendEvent_RejectsDuplicateSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)

	event := &Event{JobID: job.ID, Seq: 0, ThreadID: thread.ID, Type: "job.created", TS: "2026-01-01T00:00:00Z"}
	require.NoError(t, s.AppendEvent(ctx, event))
	require.Error(t, s.AppendEvent(ctx, event))
}

func TestAppendEvent_RequiresJob(t *testing.T) {
	s := newTestStore(t)

	event := &Event{JobID: "missing", Seq: 0, ThreadID: "t", Type: "job.created", TS: "2026-01-01T00:00:00Z"}
	require.Error(t, s.AppendEvent(context.Background(), event))
}

func TestListEvents_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)
	appendTestEvents(t, s, job, 5)

	page, hasMore, err := s.ListEvents(ctx, job.ID, -1, 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 2)
	assert.Equal(t, int64(0), page[0].Seq)
	assert.Equal(t, int64(1), page[1].Seq)

	page, hasMore, err = s.ListEvents(ctx, job.ID, page[1].Seq, 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Seq)

	page, hasMore, err = s.ListEvents(ctx, job.ID, page[1].Seq, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 1)
	assert.Equal(t, int64(4), page[0].Seq)

	// Cursor at the last seq yields an empty page.
	page, hasMore, err = s.ListEvents(ctx, job.ID, 4, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, page)
}

func TestDeleteEventsBelow_Retention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)
	appendTestEvents(t, s, job, 5)

	deleted, err := s.DeleteEventsBelow(ctx, job.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	first, err := s.FirstEventSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first)

	events, _, err := s.ListEvents(ctx, job.ID, -1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestFirstEventSeq_EmptyJob(t *testing.T) {
	s := newTestStore(t)

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)

	first, err := s.FirstEventSeq(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), first)
}

func TestListJobEventsForThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	job := createTestJob(t, s, thread.ID)
	appendTestEvents(t, s, job, 4)

	events, err := s.ListJobEventsForThread(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, thread.ID, events[0].ThreadID)
}

func TestThreadEvents_ReplaceRenumbersDensely(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	initial := []*ThreadEvent{
		{Type: "item.completed", TS: "2026-01-01T00:00:00Z", Payload: json.RawMessage(`{"item":{"id":"i1"}}`)},
		{Type: "item.completed", TS: "2026-01-01T00:00:01Z", Payload: json.RawMessage(`{"item":{"id":"i2"}}`)},
	}
	require.NoError(t, s.ReplaceThreadEvents(ctx, thread.ID, initial))

	events, hasMore, err := s.ListThreadEvents(ctx, thread.ID, -1, 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 2)
	assert.Equal(t, int64(0), events[0].Seq)
	assert.Equal(t, int64(1), events[1].Seq)

	// A rebuild replaces the whole projection, starting over from 0.
	replacement := []*ThreadEvent{
		{Type: "item.completed", TS: "2026-01-01T00:00:02Z", Payload: json.RawMessage(`{"item":{"id":"i3"}}`)},
	}
	require.NoError(t, s.ReplaceThreadEvents(ctx, thread.ID, replacement))

	events, _, err = s.ListThreadEvents(ctx, thread.ID, -1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].Seq)
	assert.JSONEq(t, `{"item":{"id":"i3"}}`, string(events[0].Payload))
}

func TestThreadEvents_AppendContinuesSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	require.NoError(t, s.ReplaceThreadEvents(ctx, thread.ID, []*ThreadEvent{
		{Type: "item.completed", TS: "2026-01-01T00:00:00Z"},
		{Type: "item.completed", TS: "2026-01-01T00:00:01Z"},
	}))

	require.NoError(t, s.AppendThreadEvents(ctx, thread.ID, []*ThreadEvent{
		{Type: "turn.completed", TS: "2026-01-01T00:00:02Z"},
		{Type: "job.finished", TS: "2026-01-01T00:00:03Z"},
	}))

	count, err := s.CountThreadEvents(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	events, _, err := s.ListThreadEvents(ctx, thread.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, "turn.completed", events[0].Type)
	assert.Equal(t, int64(3), events[1].Seq)
}

func TestThreadEvents_PaginationHasMore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := createTestThread(t, s)
	var events []*ThreadEvent
	for i := 0; i < 5; i++ {
		events = append(events, &ThreadEvent{Type: "item.completed", TS: "2026-01-01T00:00:00Z"})
	}
	require.NoError(t, s.ReplaceThreadEvents(ctx, thread.ID, events))

	page, hasMore, err := s.ListThreadEvents(ctx, thread.ID, -1, 3)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)

	page, hasMore, err = s.ListThreadEvents(ctx, thread.ID, 2, 3)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page, 2)
}
