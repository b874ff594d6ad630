// Package thread owns the thread lifecycle against the agent and each
// thread's replay projection: create (agent-issued ids), activate
// (rehydrate from the agent's authoritative turns), archive gates, paging
// over the projection, and export/import of thread packages.
package thread

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
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

// AgentCaller issues JSON-RPC calls to the agent.
type AgentCaller interface {
	Call(ctx context.Context, method string, params interface{}) (*codex.Response, error)
}

// PathValidator checks a project path against the configured allowlist and
// returns its cleaned absolute form.
type PathValidator interface {
	Validate(path string) (string, error)
}

// Service provides thread business logic.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	agent    AgentCaller
	projects PathValidator
	bus      bus.EventBus
	log      *logger.Logger

	mu sync.Mutex
	// aliases maps local thread ids to agent-side ids for threads the
	// agent never issued (imports). Kept for the daemon's lifetime.
	aliases map[string]string
	// resolved caches threads already loaded into the current agent run;
	// cleared when the agent exits.
	resolved map[string]string
}

// NewService creates a thread service.
func NewService(cfg *config.Config, st *store.Store, agent AgentCaller, projects PathValidator, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		agent:    agent,
		projects: projects,
		bus:      eventBus,
		log:      log.WithComponent("thread"),
		aliases:  make(map[string]string),
		resolved: make(map[string]string),
	}
}

// Start wires the bus subscriptions: finished jobs merge their envelopes
// into the owning thread's projection, and an agent exit invalidates the
// per-run resolution cache.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	if _, err := s.bus.Subscribe(events.BuildJobFinishedWildcardSubject(), s.handleJobFinished); err != nil {
		return fmt.Errorf("subscribe job finished: %w", err)
	}
	if _, err := s.bus.Subscribe(events.AgentExited, s.handleAgentExited); err != nil {
		return fmt.Errorf("subscribe agent exited: %w", err)
	}
	return nil
}

// CreateInput holds the thread creation parameters.
type CreateInput struct {
	ProjectPath    string
	Name           string
	Model          string
	ApprovalPolicy string
	Sandbox        string
}

// Create validates the input, starts an agent-side thread, and persists it
// under the agent-issued id.
func (s *Service) Create(ctx context.Context, input CreateInput) (*store.Thread, error) {
	projectPath, err := s.projects.Validate(input.ProjectPath)
	if err != nil {
		return nil, err
	}
	approvalPolicy, err := normalizeApprovalPolicy(input.ApprovalPolicy)
	if err != nil {
		return nil, err
	}
	sandbox, err := normalizeSandbox(input.Sandbox)
	if err != nil {
		return nil, err
	}

	thread := &store.Thread{
		Name:           input.Name,
		ProjectPath:    projectPath,
		Model:          input.Model,
		ApprovalPolicy: approvalPolicy,
		Sandbox:        sandbox,
	}
	agentID, err := s.startAgentThread(ctx, thread)
	if err != nil {
		return nil, err
	}
	thread.ID = agentID

	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	s.remember(thread.ID, agentID)
	s.log.Info("thread created",
		zap.String("thread_id", thread.ID),
		zap.String("project_path", projectPath))
	return thread, nil
}

// Get returns a thread by id.
func (s *Service) Get(ctx context.Context, threadID string) (*store.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

// List returns threads with the given archived flag.
func (s *Service) List(ctx context.Context, archived bool) ([]*store.Thread, error) {
	threads, err := s.store.ListThreads(ctx, archived)
	if err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	return threads, nil
}

// Archive flags a thread archived: readable, but no new jobs.
func (s *Service) Archive(ctx context.Context, threadID string) error {
	return s.store.SetThreadArchived(ctx, threadID, true)
}

// Unarchive clears the archived flag.
func (s *Service) Unarchive(ctx context.Context, threadID string) error {
	return s.store.SetThreadArchived(ctx, threadID, false)
}

// ActivateResult reports a thread activation.
type ActivateResult struct {
	ThreadID   string `json:"threadId"`
	Rehydrated bool   `json:"rehydrated"`
	EventCount int    `json:"eventCount"`
}

// Activate asks the agent to rehydrate the thread. When the agent answers
// with its authoritative turns the projection is rebuilt from them (full
// replace); when it cannot, the store's own projection stands.
func (s *Service) Activate(ctx context.Context, threadID string) (*ActivateResult, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	result := &ActivateResult{ThreadID: threadID}
	agentID := s.agentIDFor(threadID)

	cctx, cancel := s.requestContext(ctx)
	resp, err := s.agent.Call(cctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
		ThreadID: agentID,
		Cwd:      thread.ProjectPath,
	})
	cancel()
	switch {
	case err != nil:
		s.log.Warn("thread resume unavailable, keeping stored projection",
			zap.String("thread_id", threadID), zap.Error(err))
	case resp.Error != nil:
		s.log.Warn("agent rejected thread resume, keeping stored projection",
			zap.String("thread_id", threadID), zap.String("agent_error", resp.Error.Message))
	default:
		var resume codex.ThreadResumeResult
		if err := json.Unmarshal(resp.Result, &resume); err != nil {
			s.log.Warn("decode thread resume result",
				zap.String("thread_id", threadID), zap.Error(err))
			break
		}
		s.remember(threadID, agentID)
		result.Rehydrated = true
		if len(resume.Turns) > 0 {
			projection := projectTurns(threadID, resume.Turns)
			if err := s.store.ReplaceThreadEvents(ctx, threadID, projection); err != nil {
				return nil, err
			}
			s.log.Info("thread projection rebuilt",
				zap.String("thread_id", threadID),
				zap.Int("turns", len(resume.Turns)),
				zap.Int("events", len(projection)))
		}
	}

	count, err := s.store.CountThreadEvents(ctx, threadID)
	if err != nil {
		return nil, err
	}
	result.EventCount = count
	return result, nil
}

// EventsPage is one page of a thread's projection.
type EventsPage struct {
	Data       []*store.ThreadEvent `json:"data"`
	NextCursor int64                `json:"nextCursor"`
	HasMore    bool                 `json:"hasMore"`
	Total      int                  `json:"total"`
}

// ListEvents returns projection events with seq > cursor, at most limit.
func (s *Service) ListEvents(ctx context.Context, threadID string, cursor int64, limit int) (*EventsPage, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	page, hasMore, err := s.store.ListThreadEvents(ctx, threadID, cursor, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountThreadEvents(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = []*store.ThreadEvent{}
	}
	next := cursor
	if len(page) > 0 {
		next = page[len(page)-1].Seq
	}
	return &EventsPage{Data: page, NextCursor: next, HasMore: hasMore, Total: total}, nil
}

// EnsureAgentThread makes sure the agent's current run has a live thread
// backing threadID and returns the agent-side id. started reports that a
// fresh agent thread had to be created (imported thread, or history the
// agent no longer has).
func (s *Service) EnsureAgentThread(ctx context.Context, threadID string) (string, bool, error) {
	s.mu.Lock()
	if agentID, ok := s.resolved[threadID]; ok {
		s.mu.Unlock()
		return agentID, false, nil
	}
	agentID := threadID
	if alias, ok := s.aliases[threadID]; ok {
		agentID = alias
	}
	s.mu.Unlock()

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return "", false, err
	}

	resumed, err := s.tryResume(ctx, thread, agentID)
	if err != nil {
		return "", false, err
	}
	if resumed {
		s.remember(threadID, agentID)
		return agentID, false, nil
	}

	freshID, err := s.startAgentThread(ctx, thread)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	s.aliases[threadID] = freshID
	s.resolved[threadID] = freshID
	s.mu.Unlock()
	s.log.Info("started fresh agent thread",
		zap.String("thread_id", threadID),
		zap.String("agent_thread_id", freshID))
	return freshID, true, nil
}

// tryResume returns (false, nil) when the agent rejects the id, which
// means a fresh thread/start is needed. A transport failure is an error.
func (s *Service) tryResume(ctx context.Context, thread *store.Thread, agentID string) (bool, error) {
	cctx, cancel := s.requestContext(ctx)
	defer cancel()
	resp, err := s.agent.Call(cctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
		ThreadID: agentID,
		Cwd:      thread.ProjectPath,
	})
	if err != nil {
		return false, errors.AgentUnavailable(err)
	}
	if resp.Error != nil {
		return false, nil
	}
	return true, nil
}

func (s *Service) startAgentThread(ctx context.Context, thread *store.Thread) (string, error) {
	params := &codex.ThreadStartParams{
		Model:          thread.Model,
		Cwd:            thread.ProjectPath,
		ApprovalPolicy: thread.ApprovalPolicy,
	}
	if thread.Sandbox != "" {
		params.SandboxPolicy = &codex.SandboxPolicy{Type: thread.Sandbox}
	}

	cctx, cancel := s.requestContext(ctx)
	defer cancel()
	resp, err := s.agent.Call(cctx, codex.MethodThreadStart, params)
	if err != nil {
		return "", errors.AgentUnavailable(err)
	}
	if resp.Error != nil {
		return "", errors.InternalError(fmt.Sprintf("thread/start failed: %s", resp.Error.Message), nil)
	}
	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", errors.InternalError("decode thread/start result", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return "", errors.InternalError("thread/start returned no thread id", nil)
	}
	return result.Thread.ID, nil
}

func (s *Service) handleJobFinished(ctx context.Context, event *bus.Event) error {
	jobID, _ := event.Data["jobId"].(string)
	threadID, _ := event.Data["threadId"].(string)
	if jobID == "" || threadID == "" {
		return nil
	}

	jobEvents, err := s.store.ListJobEventsForThread(ctx, jobID)
	if err != nil {
		s.log.Warn("load job envelopes for projection merge",
			zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	if len(jobEvents) == 0 {
		return nil
	}

	merged := make([]*store.ThreadEvent, 0, len(jobEvents))
	for _, ev := range jobEvents {
		merged = append(merged, &store.ThreadEvent{
			ThreadID: threadID,
			Type:     ev.Type,
			TS:       ev.TS,
			Payload:  ev.Payload,
		})
	}
	if err := s.store.AppendThreadEvents(ctx, threadID, merged); err != nil {
		s.log.Warn("merge job envelopes into projection",
			zap.String("job_id", jobID),
			zap.String("thread_id", threadID),
			zap.Error(err))
		return nil
	}
	s.log.Debug("job envelopes merged into projection",
		zap.String("job_id", jobID),
		zap.String("thread_id", threadID),
		zap.Int("events", len(merged)))
	return nil
}

func (s *Service) handleAgentExited(ctx context.Context, event *bus.Event) error {
	s.mu.Lock()
	s.resolved = make(map[string]string)
	s.mu.Unlock()
	s.log.Debug("agent exited, thread resolution cache cleared")
	return nil
}

func (s *Service) remember(threadID, agentID string) {
	s.mu.Lock()
	s.resolved[threadID] = agentID
	s.mu.Unlock()
}

func (s *Service) agentIDFor(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alias, ok := s.aliases[threadID]; ok {
		return alias
	}
	return threadID
}

func (s *Service) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Agent.RequestTimeoutDuration()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// projectTurns converts the agent's authoritative turn history into
// projection rows. The agent reports no per-item timestamps, so rebuilt
// rows share a synthetic one.
func projectTurns(threadID string, turns []codex.Turn) []*store.ThreadEvent {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	var projection []*store.ThreadEvent
	add := func(envType string, payload interface{}) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		projection = append(projection, &store.ThreadEvent{
			ThreadID: threadID,
			Type:     envType,
			TS:       ts,
			Payload:  raw,
		})
	}

	for _, turn := range turns {
		add(orchestrator.EnvelopeTurnStarted, orchestrator.TurnStartedPayload{
			ThreadID: threadID,
			TurnID:   turn.ID,
		})
		for i := range turn.Items {
			raw, err := json.Marshal(turn.Items[i])
			if err != nil {
				continue
			}
			add(orchestrator.EnvelopeItemCompleted, orchestrator.ItemPayload{
				ThreadID: threadID,
				TurnID:   turn.ID,
				Item:     raw,
			})
		}
		completed := orchestrator.TurnCompletedPayload{
			ThreadID: threadID,
			TurnID:   turn.ID,
			Status:   turn.Status,
		}
		if completed.Status == "" || completed.Status == "inProgress" {
			completed.Status = codex.TurnStatusCompleted
		}
		if turn.Error != nil {
			completed.Error = turn.Error.Message
		}
		add(orchestrator.EnvelopeTurnCompleted, completed)
	}
	return projection
}

func normalizeApprovalPolicy(policy string) (string, error) {
	if policy == "" {
		return "", nil
	}
	normalized := codex.NormalizeApprovalPolicy(policy)
	switch normalized {
	case codex.ApprovalUntrusted, codex.ApprovalOnFailure, codex.ApprovalOnRequest, codex.ApprovalNever:
		return normalized, nil
	}
	return "", errors.ValidationError("approvalPolicy", fmt.Sprintf("unknown approval policy %q", policy))
}

func normalizeSandbox(sandbox string) (string, error) {
	if sandbox == "" {
		return "", nil
	}
	normalized := codex.NormalizeSandboxType(sandbox)
	switch normalized {
	case codex.SandboxReadOnly, codex.SandboxWorkspaceWrite, codex.SandboxDangerFullAccess:
		return normalized, nil
	}
	return "", errors.ValidationError("sandbox", fmt.Sprintf("unknown sandbox %q", sandbox))
}
