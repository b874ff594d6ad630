package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/store"
)

// CursorNone marks an absent cursor: replay everything retained. It never
// expires, regardless of how far the retention window has advanced.
const CursorNone int64 = -1

// EventLog holds the per-job envelope rings backed by the store. Appends
// persist first and only then become visible to readers, so a seq handed to
// a client is always durable.
type EventLog struct {
	store     *store.Store
	retention int
	log       *logger.Logger

	mu   sync.Mutex
	jobs map[string]*jobLog
}

// NewEventLog builds an EventLog with the given ring retention.
func NewEventLog(st *store.Store, retention int, log *logger.Logger) *EventLog {
	if retention <= 0 {
		retention = 2000
	}
	return &EventLog{
		store:     st,
		retention: retention,
		log:       log.WithComponent("eventlog"),
		jobs:      make(map[string]*jobLog),
	}
}

// jobLog is one job's in-memory window of its envelope log plus its live
// subscribers. ring is ordered by seq and dense; firstSeq tracks ring[0]
// once the retention window starts sliding.
type jobLog struct {
	mu sync.Mutex

	jobID    string
	threadID string
	loaded   bool
	finished bool

	ring     []*Envelope
	firstSeq int64
	nextSeq  int64

	subs map[*subscriber]struct{}
}

func newJobLog(jobID string) *jobLog {
	return &jobLog{
		jobID: jobID,
		subs:  make(map[*subscriber]struct{}),
	}
}

// get returns the jobLog for jobID, rehydrating it from the store on first
// touch. Restarted daemons recover the retained window and the authoritative
// nextSeq this way, so seq numbering continues instead of resetting.
func (l *EventLog) get(ctx context.Context, jobID string) (*jobLog, error) {
	l.mu.Lock()
	jl, ok := l.jobs[jobID]
	if !ok {
		jl = newJobLog(jobID)
		l.jobs[jobID] = jl
	}
	l.mu.Unlock()

	jl.mu.Lock()
	if jl.loaded {
		jl.mu.Unlock()
		return jl, nil
	}
	err := jl.load(ctx, l.store, l.retention)
	if err == nil {
		jl.loaded = true
		jl.mu.Unlock()
		return jl, nil
	}
	jl.mu.Unlock()

	l.mu.Lock()
	if l.jobs[jobID] == jl {
		delete(l.jobs, jobID)
	}
	l.mu.Unlock()
	return nil, err
}

func (jl *jobLog) load(ctx context.Context, st *store.Store, retention int) error {
	job, err := st.GetJob(ctx, jl.jobID)
	if err != nil {
		return err
	}
	events, err := st.ListJobEventsForThread(ctx, jl.jobID)
	if err != nil {
		return fmt.Errorf("load job events: %w", err)
	}

	jl.threadID = job.ThreadID
	jl.finished = store.IsTerminalJobState(job.State)
	jl.ring = make([]*Envelope, 0, len(events))
	for _, ev := range events {
		jl.ring = append(jl.ring, &Envelope{
			Type:    ev.Type,
			TS:      ev.TS,
			JobID:   ev.JobID,
			Seq:     ev.Seq,
			Payload: ev.Payload,
		})
	}
	if len(jl.ring) > retention {
		jl.ring = jl.ring[len(jl.ring)-retention:]
	}

	jl.nextSeq = job.NextSeq
	if n := len(jl.ring); n > 0 {
		jl.firstSeq = jl.ring[0].Seq
		if last := jl.ring[n-1].Seq + 1; last > jl.nextSeq {
			jl.nextSeq = last
		}
	} else {
		jl.firstSeq = jl.nextSeq
	}
	return nil
}

// Append assigns the next seq to an envelope of the given type, persists it,
// and fans it out to live subscribers. The payload is marshalled as the
// envelope body. Appending job.finished closes every subscriber and marks
// the log finished; further appends fail.
func (l *EventLog) Append(ctx context.Context, jobID, envType string, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", envType, err)
	}

	jl, err := l.get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	jl.mu.Lock()
	if jl.finished {
		jl.mu.Unlock()
		return nil, fmt.Errorf("append %s to finished job %s", envType, jobID)
	}

	env := &Envelope{
		Type:    envType,
		TS:      envelopeTimestamp(),
		JobID:   jobID,
		Seq:     jl.nextSeq,
		Payload: raw,
	}
	rec := &store.Event{
		JobID:    jobID,
		Seq:      env.Seq,
		ThreadID: jl.threadID,
		Type:     env.Type,
		TS:       env.TS,
		Payload:  raw,
	}
	if err := l.store.AppendEvent(ctx, rec); err != nil {
		jl.mu.Unlock()
		return nil, fmt.Errorf("persist envelope: %w", err)
	}

	jl.nextSeq++
	jl.ring = append(jl.ring, env)
	if len(jl.ring) > l.retention {
		trimmed := make([]*Envelope, l.retention)
		copy(trimmed, jl.ring[len(jl.ring)-l.retention:])
		jl.ring = trimmed
		jl.firstSeq = jl.ring[0].Seq
		if _, err := l.store.DeleteEventsBelow(ctx, jobID, jl.firstSeq); err != nil {
			l.log.Warn("trim retained events",
				zap.String("job_id", jobID),
				zap.Int64("below_seq", jl.firstSeq),
				zap.Error(err))
		}
	}

	finished := envType == EnvelopeJobFinished
	if finished {
		jl.finished = true
	}
	jl.broadcast(env, l.log)
	if finished {
		for sub := range jl.subs {
			close(sub.ch)
			delete(jl.subs, sub)
		}
	}
	jl.mu.Unlock()

	if finished {
		l.release(jobID, jl)
	}
	return env, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// broadcast delivers env to every live subscriber without blocking. A
// subscriber whose channel is full has stopped draining; it is dropped so
// one stalled client cannot hold back the job. Callers hold jl.mu.
func (jl *jobLog) broadcast(env *Envelope, log *logger.Logger) {
	for sub := range jl.subs {
		select {
		case sub.ch <- env:
		default:
			delete(jl.subs, sub)
			close(sub.ch)
			log.Warn("dropping slow event subscriber",
				zap.String("job_id", jl.jobID),
				zap.Int64("seq", env.Seq))
		}
	}
}

// release evicts a finished jobLog with no subscribers from the in-memory
// map. Later reads rehydrate it from the store on demand.
func (l *EventLog) release(jobID string, jl *jobLog) {
	jl.mu.Lock()
	idle := jl.finished && len(jl.subs) == 0
	jl.mu.Unlock()
	if !idle {
		return
	}
	l.mu.Lock()
	if l.jobs[jobID] == jl {
		delete(l.jobs, jobID)
	}
	l.mu.Unlock()
}

// List returns the retained envelopes after cursor, along with the first
// retained seq and the cursor a caller should resume from. CursorNone
// replays the whole retained window; an explicit cursor below firstSeq has
// fallen out of retention and fails with CURSOR_EXPIRED.
func (l *EventLog) List(ctx context.Context, jobID string, cursor int64) ([]*Envelope, int64, int64, error) {
	jl, err := l.get(ctx, jobID)
	if err != nil {
		return nil, 0, 0, err
	}

	jl.mu.Lock()
	firstSeq := jl.firstSeq
	if cursor != CursorNone && cursor < firstSeq {
		jl.mu.Unlock()
		l.release(jobID, jl)
		return nil, 0, 0, errors.CursorExpired(firstSeq)
	}

	effective := cursor
	if cursor == CursorNone {
		effective = firstSeq - 1
	}
	var out []*Envelope
	for _, env := range jl.ring {
		if env.Seq > effective {
			out = append(out, env)
		}
	}
	nextCursor := jl.nextSeq - 1
	jl.mu.Unlock()

	l.release(jobID, jl)
	return out, firstSeq, nextCursor, nil
}

// FirstSeq returns the oldest retained seq for the job. Streaming clients
// get it as their snapshot hint: anything below it must come from the
// thread projection, not this log.
func (l *EventLog) FirstSeq(ctx context.Context, jobID string) (int64, error) {
	jl, err := l.get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	jl.mu.Lock()
	firstSeq := jl.firstSeq
	jl.mu.Unlock()
	l.release(jobID, jl)
	return firstSeq, nil
}

// Finished reports whether the job's log has reached its job.finished
// envelope.
func (l *EventLog) Finished(ctx context.Context, jobID string) (bool, error) {
	jl, err := l.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	jl.mu.Lock()
	finished := jl.finished
	jl.mu.Unlock()
	l.release(jobID, jl)
	return finished, nil
}
