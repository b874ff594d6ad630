package store

import (
	"encoding/json"
	"time"
)

// Job states. A job starts QUEUED and ends in one of the terminal states.
const (
	JobStateQueued          = "QUEUED"
	JobStateRunning         = "RUNNING"
	JobStateWaitingApproval = "WAITING_APPROVAL"
	JobStateDone            = "DONE"
	JobStateFailed          = "FAILED"
	JobStateCancelled       = "CANCELLED"
)

// IsTerminalJobState reports whether state admits no further transitions.
func IsTerminalJobState(state string) bool {
	switch state {
	case JobStateDone, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Approval kinds.
const (
	ApprovalKindCommand    = "command"
	ApprovalKindFileChange = "fileChange"
)

// Thread is a persistent conversation context pinned to a working directory.
type Thread struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name,omitempty"`
	ProjectPath      string    `db:"project_path" json:"projectPath"`
	Preview          string    `db:"preview" json:"preview,omitempty"`
	Model            string    `db:"model" json:"model,omitempty"`
	ApprovalPolicy   string    `db:"approval_policy" json:"approvalPolicy,omitempty"`
	Sandbox          string    `db:"sandbox" json:"sandbox,omitempty"`
	Archived         bool      `db:"archived" json:"archived"`
	PendingApprovals int       `db:"pending_approvals" json:"pendingApprovals"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// Job tracks one turn execution against a thread.
type Job struct {
	ID               string     `db:"id" json:"id"`
	ThreadID         string     `db:"thread_id" json:"threadId"`
	State            string     `db:"state" json:"state"`
	TurnID           string     `db:"turn_id" json:"turnId,omitempty"`
	NextSeq          int64      `db:"next_seq" json:"nextSeq"`
	PendingApprovals int        `db:"pending_approvals" json:"pendingApprovals"`
	ErrorMessage     string     `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
	FinishedAt       *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// Event is one persisted envelope row of a job's event log. Seq is dense
// and strictly increasing from 0 within a job; TS is the envelope's
// ISO-8601 timestamp verbatim.
type Event struct {
	JobID    string          `db:"job_id" json:"jobId"`
	Seq      int64           `db:"seq" json:"seq"`
	ThreadID string          `db:"thread_id" json:"threadId"`
	Type     string          `db:"type" json:"type"`
	TS       string          `db:"ts" json:"ts"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
}

// ThreadEvent is one row of a thread's replay projection, dense per thread.
type ThreadEvent struct {
	ThreadID string          `db:"thread_id" json:"threadId"`
	Seq      int64           `db:"seq" json:"seq"`
	Type     string          `db:"type" json:"type"`
	TS       string          `db:"ts" json:"ts"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
}

// Approval records an agent approval request and, once taken, its decision.
// RequestID is the agent's most recent JSON-RPC request id for the approval;
// a repeated request for the same fingerprint supersedes it.
type Approval struct {
	ID        string          `db:"id" json:"id"`
	JobID     string          `db:"job_id" json:"jobId"`
	ThreadID  string          `db:"thread_id" json:"threadId"`
	Kind      string          `db:"kind" json:"kind"`
	TurnID    string          `db:"turn_id" json:"turnId,omitempty"`
	ItemID    string          `db:"item_id" json:"itemId,omitempty"`
	Command   string          `db:"command" json:"command,omitempty"`
	Cwd       string          `db:"cwd" json:"cwd,omitempty"`
	Reason    string          `db:"reason" json:"reason,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	RequestID int64           `db:"request_id" json:"-"`
	Decision  *string         `db:"decision" json:"decision,omitempty"`
	DecidedAt *string         `db:"decided_at" json:"decidedAt,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// Decided reports whether a decision has been recorded.
func (a *Approval) Decided() bool {
	return a.Decision != nil
}

// Device is a registered push notification target, keyed by token.
type Device struct {
	Token       string    `db:"token" json:"token"`
	Platform    string    `db:"platform" json:"platform"`
	Bundle      string    `db:"bundle" json:"bundle,omitempty"`
	Environment string    `db:"environment" json:"environment,omitempty"`
	ThreadScope string    `db:"thread_scope" json:"threadScope,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}
