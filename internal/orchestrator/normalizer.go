package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

// HandleNotification routes an agent notification to the actor owning its
// thread. Notifications for threads without an active job are dropped;
// everything else is applied on the actor goroutine so envelope order
// matches arrival order.
func (o *Orchestrator) HandleNotification(method string, params json.RawMessage) {
	agentThreadID := threadIDOf(params)
	if agentThreadID == "" {
		o.log.Debug("notification without threadId", zap.String("method", method))
		return
	}

	o.mu.Lock()
	actor := o.actorsByAgent[agentThreadID]
	o.mu.Unlock()
	if actor == nil {
		o.log.Debug("notification for inactive thread",
			zap.String("method", method),
			zap.String("agent_thread_id", agentThreadID))
		return
	}
	if !actor.enqueue(func() { o.applyNotification(actor, method, params) }) {
		o.log.Debug("notification after job finished",
			zap.String("method", method),
			zap.String("job_id", actor.jobID))
	}
}

// applyNotification maps one agent notification onto exactly one envelope.
// Unknown methods become an error envelope; the job keeps running.
func (o *Orchestrator) applyNotification(actor *jobActor, method string, params json.RawMessage) {
	ctx := context.Background()
	switch method {
	case codex.NotifyThreadStarted:
		if actor.threadStarted {
			return
		}
		actor.threadStarted = true
		o.appendEnvelope(actor.jobID, EnvelopeThreadStarted, ThreadStartedPayload{ThreadID: actor.threadID})

	case codex.NotifyTurnStarted:
		var p codex.TurnStartedParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		actor.turnID = p.TurnID
		if err := o.store.SetJobTurnID(ctx, actor.jobID, p.TurnID); err != nil {
			o.log.Warn("record turn id",
				zap.String("job_id", actor.jobID),
				zap.Error(err))
		}
		o.appendEnvelope(actor.jobID, EnvelopeTurnStarted, TurnStartedPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
		})

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeTurnCompleted, TurnCompletedPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			Status:   p.Status,
			Error:    p.Error,
		})
		state, errorMessage := jobStateForTurnStatus(p.Status, p.Error)
		o.finishJob(actor, state, errorMessage)

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeItemStarted, ItemPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			Item:     rawItemOf(params),
		})

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeItemCompleted, ItemPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			Item:     rawItemOf(params),
		})
		if p.Item != nil && p.Item.Type == codex.ItemTypeAgentMessage {
			actor.pendingDeltaBytes = 0
			o.updatePreview(ctx, actor.threadID, p.Item.Text)
		}

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		actor.pendingDeltaBytes += len(p.Delta)
		if o.deltaMax > 0 && actor.pendingDeltaBytes > o.deltaMax {
			o.appendEnvelope(actor.jobID, EnvelopeError, ErrorPayload{
				Message: fmt.Sprintf("pending agent message exceeds %d bytes", o.deltaMax),
			})
			o.finishJob(actor, store.JobStateFailed, "pending-delta-overflow")
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeAgentMessageDelta, DeltaPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			ItemID:   p.ItemID,
			Delta:    p.Delta,
		})

	case codex.NotifyItemCmdExecOutputDelta:
		var p codex.CommandOutputDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeCommandOutputDelta, DeltaPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			ItemID:   p.ItemID,
			Delta:    p.Delta,
		})

	case codex.NotifyItemFileChangeOutputDelta:
		var p codex.FileChangeOutputDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeFileChangeOutputDelta, DeltaPayload{
			ThreadID: actor.threadID,
			TurnID:   p.TurnID,
			ItemID:   p.ItemID,
			Delta:    p.Delta,
		})

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			return
		}
		o.appendEnvelope(actor.jobID, EnvelopeError, ErrorPayload{
			Message: p.Message,
			Code:    p.Code,
		})

	default:
		o.log.Warn("unknown agent method",
			zap.String("method", method),
			zap.String("job_id", actor.jobID))
		o.appendEnvelope(actor.jobID, EnvelopeError, ErrorPayload{
			Message: "unknown agent method",
			Method:  method,
		})
	}
}

func (o *Orchestrator) malformedNotification(actor *jobActor, method string, err error) {
	o.log.Warn("malformed notification params",
		zap.String("method", method),
		zap.String("job_id", actor.jobID),
		zap.Error(err))
	o.appendEnvelope(actor.jobID, EnvelopeError, ErrorPayload{
		Message: "malformed notification params",
		Method:  method,
	})
}

// HandleRequest handles a server-initiated request from the agent. The two
// approval request methods are expected; anything else is answered with a
// JSON-RPC method-not-found error so the agent never hangs on us.
func (o *Orchestrator) HandleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval, codex.NotifyItemFileChangeRequestApproval:
	default:
		if err := o.agent.SendError(id, codex.MethodNotFound, fmt.Sprintf("unsupported method %q", method)); err != nil {
			o.log.Warn("reject inbound request",
				zap.String("method", method),
				zap.Error(err))
		}
		return
	}

	agentThreadID := threadIDOf(params)
	o.mu.Lock()
	actor := o.actorsByAgent[agentThreadID]
	o.mu.Unlock()
	if actor == nil {
		o.log.Warn("approval request for inactive thread",
			zap.String("method", method),
			zap.String("agent_thread_id", agentThreadID))
		o.declineOnWire(id)
		return
	}

	requestID, err := requestIDFromWire(id)
	if err != nil {
		o.log.Warn("approval request with unusable id",
			zap.String("method", method),
			zap.Error(err))
		if err := o.agent.SendError(id, codex.InvalidRequest, "unsupported request id"); err != nil {
			o.log.Warn("reject inbound request", zap.Error(err))
		}
		return
	}

	if !actor.enqueue(func() { o.registerApproval(actor, method, requestID, params) }) {
		o.declineOnWire(id)
	}
}

func (o *Orchestrator) declineOnWire(id interface{}) {
	resp := codex.ApprovalResponse{Decision: codex.DecisionDecline}
	if err := o.agent.SendResponse(id, resp, nil); err != nil {
		o.log.Warn("decline approval request", zap.Error(err))
	}
}

// registerApproval runs on the actor goroutine: it records the inbound
// request, emits approval.required plus the WAITING_APPROVAL transition for
// new approvals, and stays silent for coalesced repeats.
func (o *Orchestrator) registerApproval(actor *jobActor, method string, requestID int64, params json.RawMessage) {
	ctx := context.Background()
	req := ApprovalRequest{
		JobID:     actor.jobID,
		ThreadID:  actor.threadID,
		Payload:   params,
		RequestID: requestID,
	}
	var actions []string
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			o.declineOnWire(requestID)
			return
		}
		req.Kind = store.ApprovalKindCommand
		req.TurnID = p.TurnID
		req.ItemID = p.ItemID
		req.Command = p.Command
		req.Cwd = p.Cwd
		req.Reason = p.Reasoning
		actions = p.Options
	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			o.malformedNotification(actor, method, err)
			o.declineOnWire(requestID)
			return
		}
		req.Kind = store.ApprovalKindFileChange
		req.TurnID = p.TurnID
		req.ItemID = p.ItemID
		req.Reason = p.Reasoning
		actions = p.Options
	}

	approval, isNew, err := o.registry.Register(ctx, req)
	if err != nil {
		o.log.Error("register approval",
			zap.String("job_id", actor.jobID),
			zap.Error(err))
		o.declineOnWire(requestID)
		return
	}
	if !isNew {
		o.log.Debug("coalesced duplicate approval request",
			zap.String("approval_id", approval.ID),
			zap.Int64("request_id", requestID))
		return
	}

	o.appendEnvelope(actor.jobID, EnvelopeApprovalRequired, ApprovalRequiredPayload{
		ApprovalID: approval.ID,
		ThreadID:   actor.threadID,
		Kind:       req.Kind,
		TurnID:     req.TurnID,
		ItemID:     req.ItemID,
		Command:    req.Command,
		Cwd:        req.Cwd,
		Reason:     req.Reason,
		Actions:    actions,
	})
	if !actor.waiting {
		actor.waiting = true
		o.setJobState(actor, store.JobStateWaitingApproval, "")
	}
	o.adjustPendingApprovals(actor, 1)
	o.publishApprovalRequired(ctx, actor, approval)
}

// updatePreview refreshes the thread's one-line preview from a completed
// assistant message.
func (o *Orchestrator) updatePreview(ctx context.Context, threadID, text string) {
	preview := previewOf(text)
	if preview == "" {
		return
	}
	if err := o.store.UpdateThreadPreview(ctx, threadID, preview); err != nil {
		o.log.Warn("update thread preview",
			zap.String("thread_id", threadID),
			zap.Error(err))
		return
	}
	o.publishThreadUpdated(ctx, threadID)
}

const previewMaxRunes = 200

func previewOf(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	runes := []rune(text)
	if len(runes) > previewMaxRunes {
		return string(runes[:previewMaxRunes])
	}
	return text
}

func threadIDOf(params json.RawMessage) string {
	var probe struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.ThreadID
}

// rawItemOf extracts the item object verbatim so agent fields we do not
// model still reach clients.
func rawItemOf(params json.RawMessage) json.RawMessage {
	var probe struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || len(probe.Item) == 0 {
		return json.RawMessage("null")
	}
	return probe.Item
}
