package terminal

// outputFrame is one retained PTY read, keyed by its sequence number.
type outputFrame struct {
	Seq  int64
	Data []byte
}

// frameRing retains the most recent output frames up to a total byte
// budget. Sequence numbers are dense from 0 and never reused. The ring is
// not goroutine safe; the owning session serializes access.
type frameRing struct {
	maxBytes int
	total    int
	frames   []outputFrame
	nextSeq  int64
}

func newFrameRing(maxBytes int) *frameRing {
	return &frameRing{maxBytes: maxBytes}
}

// Append stores data under the next sequence number and evicts the oldest
// frames while the byte budget is exceeded. The newest frame is never
// evicted, even when it alone exceeds the budget.
func (r *frameRing) Append(data []byte) int64 {
	seq := r.nextSeq
	r.nextSeq++

	r.frames = append(r.frames, outputFrame{Seq: seq, Data: data})
	r.total += len(data)

	for r.total > r.maxBytes && len(r.frames) > 1 {
		r.total -= len(r.frames[0].Data)
		r.frames[0] = outputFrame{}
		r.frames = r.frames[1:]
	}
	return seq
}

// Expired reports whether a client cursor points before the retained
// window, meaning frames between the cursor and the window were evicted.
// The no-cursor sentinel (negative) never expires.
func (r *frameRing) Expired(fromSeq int64) bool {
	if fromSeq < 0 || len(r.frames) == 0 {
		return false
	}
	return fromSeq < r.frames[0].Seq-1
}

// After returns the retained frames with Seq > fromSeq, oldest first.
func (r *frameRing) After(fromSeq int64) []outputFrame {
	for i, f := range r.frames {
		if f.Seq > fromSeq {
			out := make([]outputFrame, len(r.frames)-i)
			copy(out, r.frames[i:])
			return out
		}
	}
	return nil
}

// FirstSeq returns the oldest retained sequence number, or -1 when empty.
func (r *frameRing) FirstSeq() int64 {
	if len(r.frames) == 0 {
		return -1
	}
	return r.frames[0].Seq
}

// NextSeq returns the sequence number the next append will use.
func (r *frameRing) NextSeq() int64 {
	return r.nextSeq
}
