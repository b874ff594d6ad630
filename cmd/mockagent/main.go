// Package main implements a mock agent binary that speaks the codex
// app-server protocol over stdin/stdout. It generates scripted turns for
// local development and end-to-end testing of the daemon without a real
// agent runtime.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/coderelay/coderelay/pkg/codex"
)

func main() {
	sim := newSimulator(os.Stdin, os.Stdout)
	if err := sim.run(); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "mockagent: %v\n", err)
		os.Exit(1)
	}
}

// run reads frames until stdin closes. Requests are answered inline;
// turn/start kicks off a scenario goroutine so turn/interrupt and approval
// responses can be processed while the turn is streaming.
func (s *simulator) run() error {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Kind() {
		case codex.FrameResponse:
			s.completeApproval(frame)
		case codex.FrameRequest:
			s.handleRequest(frame)
		case codex.FrameNotification:
			// initialized and friends need no reply.
		}
	}
}

func (s *simulator) handleRequest(frame *codex.Frame) {
	switch frame.Method {
	case codex.MethodInitialize:
		s.respond(frame.ID, codex.InitializeResult{UserAgent: "mockagent/1.0"})
	case codex.MethodThreadStart:
		s.handleThreadStart(frame)
	case codex.MethodThreadResume:
		s.handleThreadResume(frame)
	case codex.MethodTurnStart:
		s.handleTurnStart(frame)
	case codex.MethodTurnInterrupt:
		s.handleTurnInterrupt(frame)
	case codex.MethodModelList:
		s.respond(frame.ID, codex.ModelListResult{Models: []codex.Model{
			{ID: "mock-default", DisplayName: "Mock Default", IsDefault: true},
			{ID: "mock-fast", DisplayName: "Mock Fast"},
		}})
	default:
		s.respondError(frame.ID, codex.MethodNotFound, "method not found: "+frame.Method)
	}
}
