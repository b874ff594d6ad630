package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/coderelay/coderelay/pkg/codex"
)

// simulator holds the mock agent's in-memory state: threads it has
// started, the turn currently streaming per thread, and waiters for
// approval responses it has requested from the daemon.
type simulator struct {
	reader *codex.FrameReader
	writer *codex.FrameWriter

	mu         sync.Mutex
	threads    map[string]*mockThread
	interrupts map[string]chan struct{}     // threadID -> signal for the live turn
	approvals  map[int64]chan *codex.Frame  // request id -> response waiter
	nextReqID  atomic.Int64
	nextThread atomic.Int64
	nextTurn   atomic.Int64
	nextItem   atomic.Int64
}

type mockThread struct {
	id    string
	cwd   string
	turns []codex.Turn
}

func newSimulator(in io.Reader, out io.Writer) *simulator {
	return &simulator{
		reader:     codex.NewFrameReader(in, 0),
		writer:     codex.NewFrameWriter(out),
		threads:    make(map[string]*mockThread),
		interrupts: make(map[string]chan struct{}),
		approvals:  make(map[int64]chan *codex.Frame),
	}
}

func (s *simulator) respond(id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, codex.InternalError, err.Error())
		return
	}
	s.write(&codex.Response{ID: id, Result: raw})
}

func (s *simulator) respondError(id interface{}, code int, message string) {
	s.write(&codex.Response{ID: id, Error: &codex.Error{Code: code, Message: message}})
}

func (s *simulator) notify(method string, params interface{}) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	s.write(&codex.Notification{Method: method, Params: raw})
}

func (s *simulator) write(msg interface{}) {
	if err := s.writer.WriteFrame(msg); err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: write: %v\n", err)
	}
}

func (s *simulator) handleThreadStart(frame *codex.Frame) {
	var params codex.ThreadStartParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondError(frame.ID, codex.InvalidParams, err.Error())
		return
	}
	thread := &mockThread{
		id:  fmt.Sprintf("mock-thread-%d", s.nextThread.Add(1)),
		cwd: params.Cwd,
	}
	s.mu.Lock()
	s.threads[thread.id] = thread
	s.mu.Unlock()

	s.respond(frame.ID, codex.ThreadStartResult{Thread: &codex.Thread{ID: thread.id}})
	s.notify(codex.NotifyThreadStarted, codex.ThreadStartedParams{ThreadID: thread.id})
}

func (s *simulator) handleThreadResume(frame *codex.Frame) {
	var params codex.ThreadResumeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondError(frame.ID, codex.InvalidParams, err.Error())
		return
	}
	s.mu.Lock()
	thread := s.threads[params.ThreadID]
	s.mu.Unlock()
	if thread == nil {
		s.respondError(frame.ID, codex.InvalidParams, "unknown thread: "+params.ThreadID)
		return
	}
	s.respond(frame.ID, codex.ThreadResumeResult{
		Thread: &codex.Thread{ID: thread.id},
		Turns:  thread.turns,
	})
}

func (s *simulator) handleTurnStart(frame *codex.Frame) {
	var params codex.TurnStartParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondError(frame.ID, codex.InvalidParams, err.Error())
		return
	}
	s.mu.Lock()
	thread := s.threads[params.ThreadID]
	s.mu.Unlock()
	if thread == nil {
		s.respondError(frame.ID, codex.InvalidParams, "unknown thread: "+params.ThreadID)
		return
	}

	turnID := fmt.Sprintf("mock-turn-%d", s.nextTurn.Add(1))
	interrupt := make(chan struct{})
	s.mu.Lock()
	s.interrupts[thread.id] = interrupt
	s.mu.Unlock()

	s.respond(frame.ID, codex.TurnStartResult{Turn: &codex.Turn{ID: turnID, Status: "inProgress"}})

	prompt := ""
	for _, input := range params.Input {
		if input.Type == "text" {
			prompt = input.Text
			break
		}
	}
	go s.runTurn(thread, turnID, prompt, interrupt)
}

func (s *simulator) handleTurnInterrupt(frame *codex.Frame) {
	var params codex.TurnInterruptParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.respondError(frame.ID, codex.InvalidParams, err.Error())
		return
	}
	s.mu.Lock()
	interrupt := s.interrupts[params.ThreadID]
	delete(s.interrupts, params.ThreadID)
	s.mu.Unlock()
	if interrupt != nil {
		close(interrupt)
	}
	s.respond(frame.ID, struct{}{})
}

// requestApproval sends a server-initiated request to the daemon and blocks
// until the response frame arrives or the turn is interrupted. The decision
// is empty on interrupt.
func (s *simulator) requestApproval(method string, params interface{}, interrupt <-chan struct{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	id := s.nextReqID.Add(1)
	waiter := make(chan *codex.Frame, 1)
	s.mu.Lock()
	s.approvals[id] = waiter
	s.mu.Unlock()

	s.write(&codex.Request{ID: id, Method: method, Params: raw})

	select {
	case frame := <-waiter:
		if frame.Error != nil || frame.Result == nil {
			return codex.DecisionDecline
		}
		var resp codex.ApprovalResponse
		if err := json.Unmarshal(frame.Result, &resp); err != nil {
			return codex.DecisionDecline
		}
		return resp.Decision
	case <-interrupt:
		s.mu.Lock()
		delete(s.approvals, id)
		s.mu.Unlock()
		return ""
	}
}

// completeApproval routes a response frame to the waiter registered for its
// id. Responses with unknown ids are dropped.
func (s *simulator) completeApproval(frame *codex.Frame) {
	id, ok := numericID(frame.ID)
	if !ok {
		return
	}
	s.mu.Lock()
	waiter := s.approvals[id]
	delete(s.approvals, id)
	s.mu.Unlock()
	if waiter != nil {
		waiter <- frame
	}
}

func numericID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (s *simulator) newItemID() string {
	return fmt.Sprintf("mock-item-%d", s.nextItem.Add(1))
}
