package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

// AgentClient is the slice of the agent supervisor the orchestrator talks
// to. *agent.Supervisor satisfies it; tests substitute a fake.
type AgentClient interface {
	Call(ctx context.Context, method string, params interface{}) (*codex.Response, error)
	SendResponse(id interface{}, result interface{}, respErr *codex.Error) error
	SendError(id interface{}, code int, message string) error
}

// ThreadResolver resolves a local thread id to a live agent-side thread,
// starting or resuming it as needed. started reports that a fresh agent
// thread was created rather than resumed.
type ThreadResolver interface {
	EnsureAgentThread(ctx context.Context, threadID string) (agentThreadID string, started bool, err error)
}

// StartTurnInput carries the user input and per-turn overrides for a job.
type StartTurnInput struct {
	Items          []codex.UserInput
	Model          string
	ApprovalPolicy string
	SandboxPolicy  *codex.SandboxPolicy
}

// ApproveInput is a client decision on an open approval.
type ApproveInput struct {
	ApprovalID string
	Decision   string
	Amendment  json.RawMessage
	Reason     string
}

// Approve outcomes
const (
	ApproveStatusSubmitted        = "submitted"
	ApproveStatusAlreadySubmitted = "already_submitted"
)

// ApproveResult reports whether this call recorded the decision or an
// earlier call already had. Decision is the one that stuck.
type ApproveResult struct {
	Status   string `json:"status"`
	Decision string `json:"decision"`
}

const actorQueueDepth = 256

// jobActor serializes everything that happens to one job. All envelope
// appends and state transitions for the job run on its goroutine, which is
// what makes seq ordering and terminal-state tie-breaks deterministic.
type jobActor struct {
	jobID    string
	threadID string

	// Owned by the actor goroutine.
	agentThreadID     string
	turnID            string
	threadStarted     bool
	waiting           bool
	cancelRequested   bool
	finished          bool
	pendingDeltaBytes int

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
}

func newJobActor(jobID, threadID string) *jobActor {
	return &jobActor{
		jobID:    jobID,
		threadID: threadID,
		tasks:    make(chan func(), actorQueueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *jobActor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		default:
		}
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.quit:
			return
		}
	}
}

// enqueue schedules fn on the actor goroutine. Returns false once the job
// has reached a terminal state and the actor no longer runs tasks.
func (a *jobActor) enqueue(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.tasks <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// Orchestrator owns jobs end to end: creation, the drive of a turn against
// the agent, approval flow, cancellation, and the final transition. One
// actor per job serializes its envelope appends.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	agent    AgentClient
	resolver ThreadResolver
	events   *EventLog
	registry *ApprovalRegistry
	bus      bus.EventBus
	log      *logger.Logger

	deltaMax int

	startMu sync.Mutex

	mu            sync.Mutex
	actors        map[string]*jobActor
	actorsByAgent map[string]*jobActor
}

// New builds the orchestrator and its event log and approval registry.
func New(cfg *config.Config, st *store.Store, agent AgentClient, resolver ThreadResolver, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		store:         st,
		agent:         agent,
		resolver:      resolver,
		events:        NewEventLog(st, cfg.Events.Retention, log),
		bus:           eventBus,
		log:           log.WithComponent("orchestrator"),
		deltaMax:      cfg.Events.PendingDeltaMaxBytes,
		actors:        make(map[string]*jobActor),
		actorsByAgent: make(map[string]*jobActor),
	}
	o.registry = NewApprovalRegistry(st, agent, cfg.Agent.ApprovalTimeoutDuration(), o.approvalTimedOut, log)
	return o
}

// Events exposes the envelope log for the HTTP layer.
func (o *Orchestrator) Events() *EventLog { return o.events }

// Start fails jobs left non-terminal by a previous run and subscribes to
// agent lifecycle events. Call it before the agent transport starts so an
// immediate exit cannot slip past the subscription.
func (o *Orchestrator) Start(ctx context.Context) error {
	stale, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range stale {
		o.log.Warn("failing job from previous run",
			zap.String("job_id", job.ID),
			zap.String("state", job.State))
		o.finishWithoutActor(ctx, job, store.JobStateFailed, "transport-closed")
	}
	if _, err := o.bus.Subscribe(events.AgentExited, o.handleAgentExited); err != nil {
		return fmt.Errorf("subscribe agent exits: %w", err)
	}
	return nil
}

// Stop fails any still-active jobs and cancels approval timers. Called on
// daemon shutdown after the HTTP listener stops accepting work.
func (o *Orchestrator) Stop(ctx context.Context) {
	for _, actor := range o.snapshotActors() {
		a := actor
		if a.enqueue(func() { o.finishJob(a, store.JobStateFailed, "transport-closed") }) {
			select {
			case <-a.done:
			case <-ctx.Done():
			}
		}
	}
	o.registry.Stop()
}

func (o *Orchestrator) snapshotActors() []*jobActor {
	o.mu.Lock()
	defer o.mu.Unlock()
	actors := make([]*jobActor, 0, len(o.actors))
	for _, a := range o.actors {
		actors = append(actors, a)
	}
	return actors
}

// GetJob returns the stored job row.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListOpenApprovals returns the job's undecided approvals, oldest first.
func (o *Orchestrator) ListOpenApprovals(ctx context.Context, jobID string) ([]*store.Approval, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListOpenApprovalsForJob(ctx, jobID)
}

// StartTurn creates a job for the thread and begins driving it. A thread
// admits one non-terminal job at a time; archived threads admit none.
func (o *Orchestrator) StartTurn(ctx context.Context, threadID string, input StartTurnInput) (*store.Job, error) {
	if len(input.Items) == 0 {
		return nil, errors.ValidationError("items", "at least one input item is required")
	}

	o.startMu.Lock()
	defer o.startMu.Unlock()

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Archived {
		return nil, errors.ThreadArchived(threadID)
	}
	active, err := o.store.ActiveJobForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, errors.ThreadHasActiveJob(threadID)
	}

	job := &store.Job{ThreadID: threadID}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	actor := newJobActor(job.ID, threadID)
	o.mu.Lock()
	o.actors[job.ID] = actor
	o.mu.Unlock()
	go actor.run()

	params := &codex.TurnStartParams{
		Input:          input.Items,
		Model:          input.Model,
		ApprovalPolicy: codex.NormalizeApprovalPolicy(input.ApprovalPolicy),
		SandboxPolicy:  normalizeSandboxPolicy(input.SandboxPolicy),
	}
	actor.enqueue(func() { o.beginTurn(actor, params) })

	o.log.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("thread_id", threadID))
	return job, nil
}

// beginTurn runs on the actor goroutine: it emits the opening envelopes,
// binds the agent thread, and fires the turn/start call.
func (o *Orchestrator) beginTurn(actor *jobActor, params *codex.TurnStartParams) {
	ctx := context.Background()
	o.appendEnvelope(actor.jobID, EnvelopeJobCreated, JobCreatedPayload{JobID: actor.jobID, ThreadID: actor.threadID})
	o.setJobState(actor, store.JobStateRunning, "")

	agentThreadID, started, err := o.resolver.EnsureAgentThread(ctx, actor.threadID)
	if err != nil {
		o.finishJob(actor, store.JobStateFailed, err.Error())
		return
	}
	actor.agentThreadID = agentThreadID
	o.mu.Lock()
	o.actorsByAgent[agentThreadID] = actor
	o.mu.Unlock()
	if started {
		actor.threadStarted = true
		o.appendEnvelope(actor.jobID, EnvelopeThreadStarted, ThreadStartedPayload{ThreadID: actor.threadID})
	}

	params.ThreadID = agentThreadID
	go func() {
		// A turn runs as long as the agent needs; the call unblocks on
		// completion, interrupt, or transport close.
		resp, err := o.agent.Call(context.Background(), codex.MethodTurnStart, params)
		actor.enqueue(func() { o.turnCallDone(actor, resp, err) })
	}()
}

// turnCallDone handles the turn/start response. The turn/completed
// notification normally lands first and finishes the job, which drops this
// task; when it runs, the response is the only completion signal we have.
func (o *Orchestrator) turnCallDone(actor *jobActor, resp *codex.Response, err error) {
	if actor.finished {
		return
	}
	if err != nil {
		o.finishJob(actor, store.JobStateFailed, err.Error())
		return
	}
	if resp.Error != nil {
		o.finishJob(actor, store.JobStateFailed, resp.Error.Message)
		return
	}

	var result codex.TurnStartResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			o.log.Warn("decode turn/start result",
				zap.String("job_id", actor.jobID),
				zap.Error(err))
		}
	}

	status := codex.TurnStatusCompleted
	message := ""
	turnID := actor.turnID
	if result.Turn != nil {
		if result.Turn.Status != "" {
			status = result.Turn.Status
		}
		if result.Turn.ID != "" {
			turnID = result.Turn.ID
		}
		if result.Turn.Error != nil {
			message = result.Turn.Error.Message
		}
	}
	o.appendEnvelope(actor.jobID, EnvelopeTurnCompleted, TurnCompletedPayload{
		ThreadID: actor.threadID,
		TurnID:   turnID,
		Status:   status,
		Error:    message,
	})
	state, errorMessage := jobStateForTurnStatus(status, message)
	o.finishJob(actor, state, errorMessage)
}

// Cancel requests an interrupt for a running job. Terminal jobs are left
// as they are. The job reaches CANCELLED when the agent confirms via
// turn/completed(interrupted) or when the interrupt deadline passes.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*store.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminalJobState(job.State) {
		return job, nil
	}

	o.mu.Lock()
	actor := o.actors[jobID]
	o.mu.Unlock()
	if actor == nil {
		o.finishWithoutActor(ctx, job, store.JobStateCancelled, "")
		return o.store.GetJob(ctx, jobID)
	}

	actor.enqueue(func() { o.beginCancel(actor) })
	return job, nil
}

// beginCancel runs on the actor goroutine.
func (o *Orchestrator) beginCancel(actor *jobActor) {
	if actor.finished || actor.cancelRequested {
		return
	}
	actor.cancelRequested = true

	params := &codex.TurnInterruptParams{ThreadID: actor.agentThreadID, TurnID: actor.turnID}
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Agent.RequestTimeoutDuration())
		defer cancel()
		if _, err := o.agent.Call(callCtx, codex.MethodTurnInterrupt, params); err != nil {
			o.log.Warn("turn interrupt",
				zap.String("job_id", actor.jobID),
				zap.Error(err))
		}
	}()

	deadline := o.cfg.Agent.InterruptDeadlineDuration()
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	time.AfterFunc(deadline, func() {
		actor.enqueue(func() {
			if actor.finished {
				return
			}
			o.log.Warn("interrupt deadline passed, forcing cancel",
				zap.String("job_id", actor.jobID))
			o.finishJob(actor, store.JobStateCancelled, "")
		})
	})
}

// Approve records a client decision for an approval belonging to jobID.
// The first decision wins; repeats return already_submitted and do not
// touch the agent transport again.
func (o *Orchestrator) Approve(ctx context.Context, jobID string, input ApproveInput) (*ApproveResult, error) {
	decision, err := NormalizeDecision(input.Decision)
	if err != nil {
		return nil, err
	}
	if decision == codex.DecisionAcceptWithExecpolicyAmendment && len(input.Amendment) == 0 {
		return nil, errors.ValidationError("amendment", "amendment is required for acceptWithExecpolicyAmendment")
	}

	approval, err := o.store.GetApproval(ctx, input.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.JobID != jobID {
		return nil, errors.ApprovalNotFound(input.ApprovalID)
	}
	if approval.Decided() {
		return &ApproveResult{Status: ApproveStatusAlreadySubmitted, Decision: *approval.Decision}, nil
	}

	o.mu.Lock()
	actor := o.actors[jobID]
	o.mu.Unlock()
	if actor == nil {
		return o.resolveDetached(ctx, input.ApprovalID, decision, input.Amendment)
	}

	type outcome struct {
		result *ApproveResult
		err    error
	}
	reply := make(chan outcome, 1)
	ok := actor.enqueue(func() {
		result, err := o.resolveApproval(actor, input.ApprovalID, decision, input.Amendment, input.Reason)
		reply <- outcome{result: result, err: err}
	})
	if !ok {
		return o.approveAfterFinish(ctx, input.ApprovalID, decision)
	}
	select {
	case out := <-reply:
		return out.result, out.err
	case <-actor.done:
		return o.approveAfterFinish(ctx, input.ApprovalID, decision)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// approveAfterFinish reports the outcome when the job finished before the
// decision task could run. finishJob resolves open approvals as cancel, so
// the stored row normally carries that decision by now.
func (o *Orchestrator) approveAfterFinish(ctx context.Context, approvalID, decision string) (*ApproveResult, error) {
	approval, err := o.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Decided() {
		return &ApproveResult{Status: ApproveStatusAlreadySubmitted, Decision: *approval.Decision}, nil
	}
	return o.resolveDetached(ctx, approvalID, decision, nil)
}

// resolveDetached records a decision for an approval whose job no longer
// has an actor. The row is settled durably; there is no job left to drive.
func (o *Orchestrator) resolveDetached(ctx context.Context, approvalID, decision string, amendment json.RawMessage) (*ApproveResult, error) {
	approval, applied, err := o.registry.Resolve(ctx, approvalID, decision, amendment)
	if err != nil {
		return nil, err
	}
	if !applied {
		effective := decision
		if approval.Decision != nil {
			effective = *approval.Decision
		}
		return &ApproveResult{Status: ApproveStatusAlreadySubmitted, Decision: effective}, nil
	}
	return &ApproveResult{Status: ApproveStatusSubmitted, Decision: decision}, nil
}

// resolveApproval runs on the actor goroutine: it settles the approval,
// emits approval.resolved, and moves the job back to RUNNING when no
// approvals remain open. A cancel decision also cancels the job.
func (o *Orchestrator) resolveApproval(actor *jobActor, approvalID, decision string, amendment json.RawMessage, reason string) (*ApproveResult, error) {
	ctx := context.Background()
	approval, applied, err := o.registry.Resolve(ctx, approvalID, decision, amendment)
	if err != nil {
		return nil, err
	}
	if !applied {
		effective := decision
		if approval.Decision != nil {
			effective = *approval.Decision
		}
		return &ApproveResult{Status: ApproveStatusAlreadySubmitted, Decision: effective}, nil
	}

	o.appendEnvelope(actor.jobID, EnvelopeApprovalResolved, ApprovalResolvedPayload{
		ApprovalID: approvalID,
		Decision:   decision,
		Reason:     reason,
	})
	o.adjustPendingApprovals(actor, -1)
	o.publishApprovalResolved(ctx, actor.jobID, actor.threadID, approvalID, decision)

	if decision == codex.DecisionCancel {
		o.beginCancel(actor)
		return &ApproveResult{Status: ApproveStatusSubmitted, Decision: decision}, nil
	}

	open, err := o.store.ListOpenApprovalsForJob(ctx, actor.jobID)
	if err != nil {
		o.log.Warn("list open approvals",
			zap.String("job_id", actor.jobID),
			zap.Error(err))
	} else if len(open) == 0 && actor.waiting && !actor.finished {
		actor.waiting = false
		o.setJobState(actor, store.JobStateRunning, "")
	}
	return &ApproveResult{Status: ApproveStatusSubmitted, Decision: decision}, nil
}

// approvalTimedOut fires from the registry timer; the timeout decision
// goes through the same path as a client decision.
func (o *Orchestrator) approvalTimedOut(approvalID, jobID string) {
	o.mu.Lock()
	actor := o.actors[jobID]
	o.mu.Unlock()
	if actor == nil {
		return
	}
	o.log.Info("approval timed out",
		zap.String("approval_id", approvalID),
		zap.String("job_id", jobID))
	actor.enqueue(func() {
		if _, err := o.resolveApproval(actor, approvalID, DecisionTimeout, nil, ""); err != nil {
			o.log.Warn("record approval timeout",
				zap.String("approval_id", approvalID),
				zap.Error(err))
		}
	})
}

// finishJob runs on the actor goroutine. It settles open approvals as
// cancelled, emits job.finished as the final envelope, persists the
// terminal state, and tears the actor down. The first call wins.
func (o *Orchestrator) finishJob(actor *jobActor, state, errorMessage string) {
	if actor.finished {
		return
	}
	actor.finished = true
	ctx := context.Background()

	open, err := o.store.ListOpenApprovalsForJob(ctx, actor.jobID)
	if err != nil {
		o.log.Warn("list open approvals",
			zap.String("job_id", actor.jobID),
			zap.Error(err))
	}
	for _, ap := range open {
		_, applied, err := o.registry.Resolve(ctx, ap.ID, codex.DecisionCancel, nil)
		if err != nil {
			o.log.Warn("cancel open approval",
				zap.String("approval_id", ap.ID),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		o.appendEnvelope(actor.jobID, EnvelopeApprovalResolved, ApprovalResolvedPayload{
			ApprovalID: ap.ID,
			Decision:   codex.DecisionCancel,
		})
		o.adjustPendingApprovals(actor, -1)
	}

	o.appendEnvelope(actor.jobID, EnvelopeJobFinished, JobFinishedPayload{State: state, ErrorMessage: errorMessage})
	if err := o.store.UpdateJobState(ctx, actor.jobID, state, errorMessage); err != nil {
		o.log.Error("update job state",
			zap.String("job_id", actor.jobID),
			zap.String("state", state),
			zap.Error(err))
	}
	o.publishJobFinished(ctx, actor.jobID, actor.threadID, state, errorMessage)

	o.mu.Lock()
	delete(o.actors, actor.jobID)
	if actor.agentThreadID != "" && o.actorsByAgent[actor.agentThreadID] == actor {
		delete(o.actorsByAgent, actor.agentThreadID)
	}
	o.mu.Unlock()
	close(actor.quit)

	o.log.Info("job finished",
		zap.String("job_id", actor.jobID),
		zap.String("state", state))
}

// finishWithoutActor closes out a job that has no live actor, appending
// its final envelopes straight to the log. Used for boot recovery and for
// rows orphaned by a crashed actor.
func (o *Orchestrator) finishWithoutActor(ctx context.Context, job *store.Job, state, errorMessage string) {
	open, err := o.store.ListOpenApprovalsForJob(ctx, job.ID)
	if err != nil {
		o.log.Warn("list open approvals",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	for _, ap := range open {
		applied, err := o.store.ResolveApproval(ctx, ap.ID, codex.DecisionCancel)
		if err != nil {
			o.log.Warn("cancel stale approval",
				zap.String("approval_id", ap.ID),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		o.appendEnvelope(job.ID, EnvelopeApprovalResolved, ApprovalResolvedPayload{
			ApprovalID: ap.ID,
			Decision:   codex.DecisionCancel,
		})
		if err := o.store.AdjustThreadPendingApprovals(ctx, job.ThreadID, -1); err != nil {
			o.log.Warn("adjust thread pending approvals",
				zap.String("thread_id", job.ThreadID),
				zap.Error(err))
		}
	}

	o.appendEnvelope(job.ID, EnvelopeJobFinished, JobFinishedPayload{State: state, ErrorMessage: errorMessage})
	if err := o.store.UpdateJobState(ctx, job.ID, state, errorMessage); err != nil {
		o.log.Error("update job state",
			zap.String("job_id", job.ID),
			zap.String("state", state),
			zap.Error(err))
	}
	o.publishJobFinished(ctx, job.ID, job.ThreadID, state, errorMessage)
}

// handleAgentExited fails every in-flight job when the agent process goes
// away. The transport is fail-stop for the run; there is nothing to retry.
func (o *Orchestrator) handleAgentExited(ctx context.Context, event *bus.Event) error {
	actors := o.snapshotActors()
	if len(actors) == 0 {
		return nil
	}
	o.log.Warn("agent exited, failing in-flight jobs", zap.Int("jobs", len(actors)))
	for _, actor := range actors {
		a := actor
		a.enqueue(func() { o.finishJob(a, store.JobStateFailed, "transport-closed") })
	}
	return nil
}

// setJobState emits job.state and persists the non-terminal transition.
// Runs on the actor goroutine.
func (o *Orchestrator) setJobState(actor *jobActor, state, errorMessage string) {
	o.appendEnvelope(actor.jobID, EnvelopeJobState, JobStatePayload{State: state})
	if err := o.store.UpdateJobState(context.Background(), actor.jobID, state, errorMessage); err != nil {
		o.log.Error("update job state",
			zap.String("job_id", actor.jobID),
			zap.String("state", state),
			zap.Error(err))
	}
	o.publishJobState(context.Background(), actor.jobID, actor.threadID, state)
}

func (o *Orchestrator) appendEnvelope(jobID, envType string, payload interface{}) {
	if _, err := o.events.Append(context.Background(), jobID, envType, payload); err != nil {
		o.log.Error("append envelope",
			zap.String("job_id", jobID),
			zap.String("type", envType),
			zap.Error(err))
	}
}

func (o *Orchestrator) adjustPendingApprovals(actor *jobActor, delta int) {
	ctx := context.Background()
	if err := o.store.AdjustJobPendingApprovals(ctx, actor.jobID, delta); err != nil {
		o.log.Warn("adjust job pending approvals",
			zap.String("job_id", actor.jobID),
			zap.Error(err))
	}
	if err := o.store.AdjustThreadPendingApprovals(ctx, actor.threadID, delta); err != nil {
		o.log.Warn("adjust thread pending approvals",
			zap.String("thread_id", actor.threadID),
			zap.Error(err))
	}
}

func jobStateForTurnStatus(status, turnErr string) (string, string) {
	switch status {
	case codex.TurnStatusFailed:
		if turnErr == "" {
			turnErr = "turn failed"
		}
		return store.JobStateFailed, turnErr
	case codex.TurnStatusInterrupted:
		return store.JobStateCancelled, ""
	default:
		return store.JobStateDone, ""
	}
}

func normalizeSandboxPolicy(p *codex.SandboxPolicy) *codex.SandboxPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.Type = codex.NormalizeSandboxType(out.Type)
	return &out
}

const busSource = "orchestrator"

func (o *Orchestrator) publish(ctx context.Context, subject string, event *bus.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, event); err != nil {
		o.log.Warn("publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishJobState(ctx context.Context, jobID, threadID, state string) {
	o.publish(ctx, events.JobStateChanged, bus.NewEvent(events.JobStateChanged, busSource, map[string]interface{}{
		"jobId":    jobID,
		"threadId": threadID,
		"state":    state,
	}))
}

func (o *Orchestrator) publishJobFinished(ctx context.Context, jobID, threadID, state, errorMessage string) {
	o.publish(ctx, events.BuildJobFinishedSubject(jobID), bus.NewEvent(events.JobFinished, busSource, map[string]interface{}{
		"jobId":        jobID,
		"threadId":     threadID,
		"state":        state,
		"errorMessage": errorMessage,
	}))
}

func (o *Orchestrator) publishApprovalRequired(ctx context.Context, actor *jobActor, approval *store.Approval) {
	o.publish(ctx, events.BuildApprovalRequiredSubject(actor.jobID), bus.NewEvent(events.ApprovalRequired, busSource, map[string]interface{}{
		"approvalId": approval.ID,
		"jobId":      actor.jobID,
		"threadId":   actor.threadID,
		"kind":       approval.Kind,
		"command":    approval.Command,
		"reason":     approval.Reason,
	}))
}

func (o *Orchestrator) publishApprovalResolved(ctx context.Context, jobID, threadID, approvalID, decision string) {
	o.publish(ctx, events.ApprovalResolved, bus.NewEvent(events.ApprovalResolved, busSource, map[string]interface{}{
		"approvalId": approvalID,
		"jobId":      jobID,
		"threadId":   threadID,
		"decision":   decision,
	}))
}

func (o *Orchestrator) publishThreadUpdated(ctx context.Context, threadID string) {
	o.publish(ctx, events.BuildThreadUpdatedSubject(threadID), bus.NewEvent(events.ThreadUpdated, busSource, map[string]interface{}{
		"threadId": threadID,
	}))
}
