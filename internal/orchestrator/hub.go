package orchestrator

import (
	"context"
	"sync"

	"github.com/coderelay/coderelay/internal/common/errors"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind the live stream is dropped and has to reconnect
// with its cursor.
const subscriberBuffer = 256

type subscriber struct {
	ch chan *Envelope
}

// Subscription is a live envelope stream: the retained window after the
// cursor first, then new envelopes as they are appended. C is closed after
// job.finished is delivered, when the subscriber is dropped for falling
// behind, or when the subscription is closed.
type Subscription struct {
	C <-chan *Envelope

	done chan struct{}
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe attaches to a job's envelope stream at cursor. Replay and live
// tail are stitched under the log lock, so the stream is dense and in seq
// order with no duplicates across the seam. Cursor expiry follows List.
func (l *EventLog) Subscribe(ctx context.Context, jobID string, cursor int64) (*Subscription, error) {
	jl, err := l.get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	jl.mu.Lock()
	firstSeq := jl.firstSeq
	if cursor != CursorNone && cursor < firstSeq {
		jl.mu.Unlock()
		l.release(jobID, jl)
		return nil, errors.CursorExpired(firstSeq)
	}

	effective := cursor
	if cursor == CursorNone {
		effective = firstSeq - 1
	}
	var replay []*Envelope
	for _, env := range jl.ring {
		if env.Seq > effective {
			replay = append(replay, env)
		}
	}
	finished := jl.finished

	var sub *subscriber
	if !finished {
		sub = &subscriber{ch: make(chan *Envelope, subscriberBuffer)}
		jl.subs[sub] = struct{}{}
	}
	jl.mu.Unlock()

	out := make(chan *Envelope)
	s := &Subscription{C: out, done: make(chan struct{})}

	go func() {
		defer close(out)
		defer l.release(jobID, jl)

		detach := func() {
			if sub == nil {
				return
			}
			jl.mu.Lock()
			delete(jl.subs, sub)
			jl.mu.Unlock()
		}

		for _, env := range replay {
			select {
			case out <- env:
			case <-s.done:
				detach()
				return
			case <-ctx.Done():
				detach()
				return
			}
		}
		if sub == nil {
			return
		}
		for {
			select {
			case env, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- env:
				case <-s.done:
					detach()
					return
				case <-ctx.Done():
					detach()
					return
				}
			case <-s.done:
				detach()
				return
			case <-ctx.Done():
				detach()
				return
			}
		}
	}()

	return s, nil
}
