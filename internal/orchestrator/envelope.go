// Package orchestrator owns jobs and their event logs: it drives the job
// state machine against the agent transport, normalizes agent notifications
// into envelopes, serves cursor replay and live subscriptions, and runs the
// approval registry.
package orchestrator

import (
	"encoding/json"
	"time"
)

// Envelope types. The set is closed: the normalizer maps every agent
// notification onto exactly one of these, and unknown agent methods become
// an "error" envelope.
const (
	EnvelopeJobCreated            = "job.created"
	EnvelopeJobState              = "job.state"
	EnvelopeJobFinished           = "job.finished"
	EnvelopeTurnStarted           = "turn.started"
	EnvelopeTurnCompleted         = "turn.completed"
	EnvelopeItemStarted           = "item.started"
	EnvelopeItemCompleted         = "item.completed"
	EnvelopeAgentMessageDelta     = "item.agentMessage.delta"
	EnvelopeCommandOutputDelta    = "item.commandExecution.outputDelta"
	EnvelopeFileChangeOutputDelta = "item.fileChange.outputDelta"
	EnvelopeApprovalRequired      = "approval.required"
	EnvelopeApprovalResolved      = "approval.resolved"
	EnvelopeError                 = "error"
	EnvelopeThreadStarted         = "thread.started"
)

// Envelope is the unit of a job's event log. Seq is dense and strictly
// increasing from 0 within a job; envelopes are immutable once persisted.
type Envelope struct {
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func envelopeTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// JobCreatedPayload for job.created.
type JobCreatedPayload struct {
	JobID    string `json:"jobId"`
	ThreadID string `json:"threadId"`
}

// JobStatePayload for job.state.
type JobStatePayload struct {
	State string `json:"state"`
}

// JobFinishedPayload for job.finished, always the final envelope of a job.
type JobFinishedPayload struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ThreadStartedPayload for thread.started.
type ThreadStartedPayload struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedPayload for turn.started.
type TurnStartedPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedPayload for turn.completed.
type TurnCompletedPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ItemPayload for item.started and item.completed. Item is the agent's
// item object passed through verbatim.
type ItemPayload struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId,omitempty"`
	Item     json.RawMessage `json:"item"`
}

// DeltaPayload for the three streaming delta envelope types.
type DeltaPayload struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ApprovalRequiredPayload for approval.required.
type ApprovalRequiredPayload struct {
	ApprovalID string   `json:"approvalId"`
	ThreadID   string   `json:"threadId"`
	Kind       string   `json:"kind"`
	TurnID     string   `json:"turnId,omitempty"`
	ItemID     string   `json:"itemId,omitempty"`
	Command    string   `json:"command,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Actions    []string `json:"actions,omitempty"`
}

// ApprovalResolvedPayload for approval.resolved.
type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorPayload for error envelopes.
type ErrorPayload struct {
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
	Code    int    `json:"code,omitempty"`
}
