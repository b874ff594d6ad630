package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/coderelay/coderelay/pkg/codex"
)

// Scenario prompts. Anything else gets the plain message turn.
//
//	/approve <command>  command approval round-trip before executing
//	/edit <path>        file-change approval then a diff
//	/fail               turn that ends with status=failed
//	/slow <steps>       one delta per 500ms, interruptible between steps
const stepDelay = 50 * time.Millisecond

// runTurn streams a scripted turn and finishes with turn/completed. Every
// scenario checks the interrupt channel between frames so turn/interrupt
// lands promptly.
func (s *simulator) runTurn(thread *mockThread, turnID, prompt string, interrupt <-chan struct{}) {
	status := codex.TurnStatusCompleted
	errText := ""

	s.notify(codex.NotifyTurnStarted, codex.TurnStartedParams{ThreadID: thread.id, TurnID: turnID})

	switch {
	case strings.HasPrefix(prompt, "/approve"):
		status = s.scenarioCommandApproval(thread, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, "/approve")), interrupt)
	case strings.HasPrefix(prompt, "/edit"):
		status = s.scenarioFileChange(thread, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, "/edit")), interrupt)
	case prompt == "/fail":
		status = codex.TurnStatusFailed
		errText = "mock failure requested"
	case strings.HasPrefix(prompt, "/slow"):
		status = s.scenarioSlow(thread, turnID, strings.TrimSpace(strings.TrimPrefix(prompt, "/slow")), interrupt)
	default:
		status = s.scenarioMessage(thread, turnID, prompt, interrupt)
	}

	s.mu.Lock()
	delete(s.interrupts, thread.id)
	s.mu.Unlock()

	s.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{
		ThreadID: thread.id,
		TurnID:   turnID,
		Status:   status,
		Error:    errText,
	})
	s.recordTurn(thread, turnID, status, prompt)
}

// scenarioMessage: item/started, a few agentMessage deltas, item/completed.
func (s *simulator) scenarioMessage(thread *mockThread, turnID, prompt string, interrupt <-chan struct{}) string {
	itemID := s.newItemID()
	s.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeAgentMessage, Status: "inProgress"},
	})

	text := "You said: " + prompt
	for _, delta := range splitDeltas(text, 8) {
		if interrupted(interrupt, stepDelay) {
			return codex.TurnStatusInterrupted
		}
		s.notify(codex.NotifyItemAgentMessageDelta, codex.AgentMessageDeltaParams{
			ThreadID: thread.id, TurnID: turnID, ItemID: itemID, Delta: delta,
		})
	}

	s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeAgentMessage, Status: "completed", Text: text},
	})
	return codex.TurnStatusCompleted
}

// scenarioCommandApproval: request approval for the command, then either
// stream its fake output or report the decline.
func (s *simulator) scenarioCommandApproval(thread *mockThread, turnID, command string, interrupt <-chan struct{}) string {
	if command == "" {
		command = "echo hello"
	}
	itemID := s.newItemID()
	s.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeCommandExecution, Status: "inProgress", Command: command, Cwd: thread.cwd},
	})

	decision := s.requestApproval(codex.NotifyItemCmdExecRequestApproval, codex.CommandApprovalParams{
		ThreadID: thread.id, TurnID: turnID, ItemID: itemID,
		Command: command, Cwd: thread.cwd,
		Reasoning: "scripted command",
	}, interrupt)

	switch decision {
	case "":
		return codex.TurnStatusInterrupted
	case codex.DecisionCancel:
		return codex.TurnStatusInterrupted
	case codex.DecisionDecline:
		s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
			ThreadID: thread.id, TurnID: turnID,
			Item: &codex.Item{ID: itemID, Type: codex.ItemTypeCommandExecution, Status: "failed", Command: command, Cwd: thread.cwd},
		})
		return codex.TurnStatusCompleted
	}

	output := fmt.Sprintf("$ %s\nmock output line 1\nmock output line 2\n", command)
	for _, delta := range strings.SplitAfter(output, "\n") {
		if delta == "" {
			continue
		}
		if interrupted(interrupt, stepDelay) {
			return codex.TurnStatusInterrupted
		}
		s.notify(codex.NotifyItemCmdExecOutputDelta, codex.CommandOutputDeltaParams{
			ThreadID: thread.id, TurnID: turnID, ItemID: itemID, Delta: delta,
		})
	}

	exitCode := 0
	s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{
			ID: itemID, Type: codex.ItemTypeCommandExecution, Status: "completed",
			Command: command, Cwd: thread.cwd, AggregatedOutput: output, ExitCode: &exitCode,
		},
	})
	return codex.TurnStatusCompleted
}

// scenarioFileChange: request file-change approval, then emit a diff delta.
func (s *simulator) scenarioFileChange(thread *mockThread, turnID, path string, interrupt <-chan struct{}) string {
	if path == "" {
		path = "README.md"
	}
	itemID := s.newItemID()
	s.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeFileChange, Status: "inProgress"},
	})

	diff := fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ -1 +1 @@\n-old\n+new\n", path, path)
	decision := s.requestApproval(codex.NotifyItemFileChangeRequestApproval, codex.FileChangeApprovalParams{
		ThreadID: thread.id, TurnID: turnID, ItemID: itemID,
		Path: path, Diff: diff,
		Reasoning: "scripted edit",
	}, interrupt)

	switch decision {
	case "":
		return codex.TurnStatusInterrupted
	case codex.DecisionCancel:
		return codex.TurnStatusInterrupted
	case codex.DecisionDecline:
		s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
			ThreadID: thread.id, TurnID: turnID,
			Item: &codex.Item{ID: itemID, Type: codex.ItemTypeFileChange, Status: "failed"},
		})
		return codex.TurnStatusCompleted
	}

	s.notify(codex.NotifyItemFileChangeOutputDelta, codex.FileChangeOutputDeltaParams{
		ThreadID: thread.id, TurnID: turnID, ItemID: itemID, Delta: diff,
	})
	s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{
			ID: itemID, Type: codex.ItemTypeFileChange, Status: "completed",
			Changes: []codex.FileChange{{Path: path}},
		},
	})
	return codex.TurnStatusCompleted
}

// scenarioSlow: one numbered delta per 500ms, for exercising cancel.
func (s *simulator) scenarioSlow(thread *mockThread, turnID, arg string, interrupt <-chan struct{}) string {
	steps := 10
	if n, err := fmt.Sscanf(arg, "%d", &steps); n != 1 || err != nil {
		steps = 10
	}
	itemID := s.newItemID()
	s.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeAgentMessage, Status: "inProgress"},
	})
	for i := 0; i < steps; i++ {
		if interrupted(interrupt, 500*time.Millisecond) {
			return codex.TurnStatusInterrupted
		}
		s.notify(codex.NotifyItemAgentMessageDelta, codex.AgentMessageDeltaParams{
			ThreadID: thread.id, TurnID: turnID, ItemID: itemID,
			Delta: fmt.Sprintf("step %d\n", i+1),
		})
	}
	s.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		ThreadID: thread.id, TurnID: turnID,
		Item: &codex.Item{ID: itemID, Type: codex.ItemTypeAgentMessage, Status: "completed"},
	})
	return codex.TurnStatusCompleted
}

// recordTurn appends the finished turn to the thread history so
// thread/resume can replay it.
func (s *simulator) recordTurn(thread *mockThread, turnID, status, prompt string) {
	turn := codex.Turn{
		ID:     turnID,
		Status: status,
		Items: []codex.Item{
			{ID: s.newItemID(), Type: codex.ItemTypeUserMessage, Status: "completed", Text: prompt},
			{ID: s.newItemID(), Type: codex.ItemTypeAgentMessage, Status: "completed", Text: "You said: " + prompt},
		},
	}
	s.mu.Lock()
	thread.turns = append(thread.turns, turn)
	s.mu.Unlock()
}

// splitDeltas chops text into chunks of at most size runes.
func splitDeltas(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func interrupted(interrupt <-chan struct{}, delay time.Duration) bool {
	select {
	case <-interrupt:
		return true
	case <-time.After(delay):
		return false
	}
}
