package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

// DecisionTimeout is recorded when an approval stays unresolved past the
// configured bound. On the wire it is forwarded as a decline.
const DecisionTimeout = "timeout"

// NormalizeDecision canonicalizes a client-supplied decision. snake_case
// spellings are accepted and mapped to the camelCase wire values.
func NormalizeDecision(decision string) (string, error) {
	switch decision {
	case codex.DecisionAccept, codex.DecisionDecline, codex.DecisionCancel,
		codex.DecisionAcceptForSession, codex.DecisionAcceptWithExecpolicyAmendment:
		return decision, nil
	case "accept_for_session":
		return codex.DecisionAcceptForSession, nil
	case "accept_with_execpolicy_amendment":
		return codex.DecisionAcceptWithExecpolicyAmendment, nil
	}
	return "", errors.ValidationError("decision", fmt.Sprintf("unknown decision %q", decision))
}

func wireDecision(decision string) string {
	if decision == DecisionTimeout {
		return codex.DecisionDecline
	}
	return decision
}

// requestIDFromWire converts a JSON-RPC request id into the stored integer
// form. The agent issues numeric ids for its server-initiated requests.
func requestIDFromWire(id interface{}) (int64, error) {
	switch v := id.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("request id missing")
	}
	return 0, fmt.Errorf("unsupported request id type %T", id)
}

// ApprovalRequest describes an inbound approval request from the agent.
type ApprovalRequest struct {
	JobID     string
	ThreadID  string
	Kind      string
	TurnID    string
	ItemID    string
	Command   string
	Cwd       string
	Reason    string
	Payload   json.RawMessage
	RequestID int64
}

// ApprovalRegistry tracks open approvals: durable rows in the store, a
// timeout timer per open approval, and the response path back to the agent.
// Resolution is idempotent; the first recorded decision wins.
type ApprovalRegistry struct {
	store   *store.Store
	agent   AgentClient
	log     *logger.Logger
	timeout time.Duration

	onTimeout func(approvalID, jobID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewApprovalRegistry builds a registry. onTimeout fires off the timer
// goroutine when an approval passes timeout without a decision; a zero
// timeout disables the timers.
func NewApprovalRegistry(st *store.Store, agent AgentClient, timeout time.Duration, onTimeout func(approvalID, jobID string), log *logger.Logger) *ApprovalRegistry {
	return &ApprovalRegistry{
		store:     st,
		agent:     agent,
		log:       log.WithComponent("approvals"),
		timeout:   timeout,
		onTimeout: onTimeout,
		timers:    make(map[string]*time.Timer),
	}
}

// Register records an inbound approval request. A request repeating the
// fingerprint (turnId, itemId, command, cwd) of an open approval is
// coalesced: the stored request id is superseded so the eventual response
// lands on the live wire request, and no new approval row is created.
// The fingerprint only applies when all four fields are present.
func (r *ApprovalRegistry) Register(ctx context.Context, req ApprovalRequest) (*store.Approval, bool, error) {
	if req.TurnID != "" && req.ItemID != "" && req.Command != "" && req.Cwd != "" {
		existing, err := r.store.OpenApprovalByFingerprint(ctx, req.JobID, req.TurnID, req.ItemID, req.Command, req.Cwd)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			if err := r.store.SetApprovalRequestID(ctx, existing.ID, req.RequestID); err != nil {
				return nil, false, err
			}
			existing.RequestID = req.RequestID
			return existing, false, nil
		}
	}

	approval := &store.Approval{
		JobID:     req.JobID,
		ThreadID:  req.ThreadID,
		Kind:      req.Kind,
		TurnID:    req.TurnID,
		ItemID:    req.ItemID,
		Command:   req.Command,
		Cwd:       req.Cwd,
		Reason:    req.Reason,
		Payload:   req.Payload,
		RequestID: req.RequestID,
	}
	if err := r.store.CreateApproval(ctx, approval); err != nil {
		return nil, false, err
	}
	r.armTimer(approval.ID, req.JobID)
	return approval, true, nil
}

// Resolve records a decision for an approval and responds to the stored
// agent request id. The first decision sticks: later calls return the
// stored approval with applied=false and never touch the transport.
func (r *ApprovalRegistry) Resolve(ctx context.Context, approvalID, decision string, amendment json.RawMessage) (*store.Approval, bool, error) {
	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, false, err
	}
	if approval.Decided() {
		return approval, false, nil
	}

	applied, err := r.store.ResolveApproval(ctx, approvalID, decision)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		approval, err = r.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, false, err
		}
		return approval, false, nil
	}
	approval.Decision = &decision
	r.cancelTimer(approvalID)

	resp := codex.ApprovalResponse{Decision: wireDecision(decision), Amendment: amendment}
	if err := r.agent.SendResponse(approval.RequestID, resp, nil); err != nil {
		r.log.Warn("respond to approval request",
			zap.String("approval_id", approvalID),
			zap.Int64("request_id", approval.RequestID),
			zap.Error(err))
	}
	return approval, true, nil
}

func (r *ApprovalRegistry) armTimer(approvalID, jobID string) {
	if r.timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[approvalID]; ok {
		return
	}
	r.timers[approvalID] = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		delete(r.timers, approvalID)
		r.mu.Unlock()
		if r.onTimeout != nil {
			r.onTimeout(approvalID, jobID)
		}
	})
}

func (r *ApprovalRegistry) cancelTimer(approvalID string) {
	r.mu.Lock()
	if t, ok := r.timers[approvalID]; ok {
		t.Stop()
		delete(r.timers, approvalID)
	}
	r.mu.Unlock()
}

// Stop cancels every armed timeout timer.
func (r *ApprovalRegistry) Stop() {
	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
}
