package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

type fakeAgentCaller struct {
	mu    sync.Mutex
	calls map[string]int

	startID      string
	startErr     error
	resumeReject bool
	resumeErr    error
	resumeTurns  []codex.Turn
}

func (f *fakeAgentCaller) Call(ctx context.Context, method string, params interface{}) (*codex.Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	f.mu.Unlock()

	switch method {
	case codex.MethodThreadStart:
		if f.startErr != nil {
			return nil, f.startErr
		}
		id := f.startID
		if id == "" {
			id = "agent-issued-1"
		}
		result, _ := json.Marshal(codex.ThreadStartResult{Thread: &codex.Thread{ID: id}})
		return &codex.Response{Result: result}, nil
	case codex.MethodThreadResume:
		if f.resumeErr != nil {
			return nil, f.resumeErr
		}
		if f.resumeReject {
			return &codex.Response{Error: &codex.Error{Code: codex.InvalidParams, Message: "unknown thread"}}, nil
		}
		result, _ := json.Marshal(codex.ThreadResumeResult{Turns: f.resumeTurns})
		return &codex.Response{Result: result}, nil
	}
	return &codex.Response{Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeAgentCaller) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// allowAll accepts any path as-is.
type allowAll struct{}

func (allowAll) Validate(path string) (string, error) { return path, nil }

// denyAll rejects every path.
type denyAll struct{}

func (denyAll) Validate(path string) (string, error) {
	return "", errors.FSPathForbidden(path)
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "coderelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, agent *fakeAgentCaller) (*Service, *store.Store, bus.EventBus) {
	t.Helper()
	st := newTestStore(t)
	log := newTestLogger(t)

	cfg := &config.Config{}
	cfg.Agent.RequestTimeout = 5
	cfg.Transfer.ExportDir = filepath.Join(t.TempDir(), "exports")

	eventBus := bus.NewMemoryEventBus(log)
	svc := NewService(cfg, st, agent, allowAll{}, eventBus, log)
	require.NoError(t, svc.Start(context.Background()))
	return svc, st, eventBus
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestService_CreateUsesAgentIssuedID(t *testing.T) {
	agent := &fakeAgentCaller{startID: "agent-thread-42"}
	svc, st, _ := newTestService(t, agent)

	thread, err := svc.Create(context.Background(), CreateInput{
		ProjectPath:    "/repo",
		Name:           "fix tests",
		ApprovalPolicy: "onRequest",
		Sandbox:        "workspaceWrite",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-thread-42", thread.ID)
	assert.Equal(t, codex.ApprovalOnRequest, thread.ApprovalPolicy)
	assert.Equal(t, codex.SandboxWorkspaceWrite, thread.Sandbox)

	stored, err := st.GetThread(context.Background(), "agent-thread-42")
	require.NoError(t, err)
	assert.Equal(t, "/repo", stored.ProjectPath)
	assert.Equal(t, "fix tests", stored.Name)
}

func TestService_CreateRejectsInvalidEnums(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeAgentCaller{})

	_, err := svc.Create(context.Background(), CreateInput{ProjectPath: "/repo", ApprovalPolicy: "yolo"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))

	_, err = svc.Create(context.Background(), CreateInput{ProjectPath: "/repo", Sandbox: "everything"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
}

func TestService_CreateForbiddenPath(t *testing.T) {
	st := newTestStore(t)
	log := newTestLogger(t)
	cfg := &config.Config{}
	cfg.Agent.RequestTimeout = 5
	svc := NewService(cfg, st, &fakeAgentCaller{}, denyAll{}, bus.NewMemoryEventBus(log), log)

	_, err := svc.Create(context.Background(), CreateInput{ProjectPath: "/outside"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFSPathForbidden, errors.CodeOf(err))
}

func TestService_CreateAgentUnavailable(t *testing.T) {
	agent := &fakeAgentCaller{startErr: fmt.Errorf("transport closed")}
	svc, _, _ := newTestService(t, agent)

	_, err := svc.Create(context.Background(), CreateInput{ProjectPath: "/repo"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAgentUnavailable, errors.CodeOf(err))
}

func TestService_EnsureAgentThreadResumesOncePerRun(t *testing.T) {
	agent := &fakeAgentCaller{}
	svc, st, _ := newTestService(t, agent)

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(context.Background(), thread))

	agentID, started, err := svc.EnsureAgentThread(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", agentID)
	assert.False(t, started)
	assert.Equal(t, 1, agent.count(codex.MethodThreadResume))

	// Cached within an agent run.
	agentID, started, err = svc.EnsureAgentThread(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", agentID)
	assert.False(t, started)
	assert.Equal(t, 1, agent.count(codex.MethodThreadResume))
}

func TestService_EnsureAgentThreadStartsFreshWhenResumeRejected(t *testing.T) {
	agent := &fakeAgentCaller{resumeReject: true, startID: "agent-9"}
	svc, st, eventBus := newTestService(t, agent)

	// An imported thread: local id the agent has never seen.
	thread := &store.Thread{ID: "imported-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(context.Background(), thread))

	agentID, started, err := svc.EnsureAgentThread(context.Background(), "imported-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", agentID)
	assert.True(t, started)

	// The alias is cached; no further agent traffic.
	agentID, started, err = svc.EnsureAgentThread(context.Background(), "imported-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", agentID)
	assert.False(t, started)
	assert.Equal(t, 1, agent.count(codex.MethodThreadStart))

	// After an agent restart the alias survives, the resolution doesn't:
	// the next ensure resumes the aliased agent thread.
	err = eventBus.Publish(context.Background(), events.AgentExited,
		bus.NewEvent(events.AgentExited, "test", nil))
	require.NoError(t, err)
	waitFor(t, "resolution cache cleared", func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.resolved) == 0
	})

	agent.mu.Lock()
	agent.resumeReject = false
	agent.mu.Unlock()

	resumes := agent.count(codex.MethodThreadResume)
	agentID, started, err = svc.EnsureAgentThread(context.Background(), "imported-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", agentID)
	assert.False(t, started)
	assert.Equal(t, resumes+1, agent.count(codex.MethodThreadResume))
	assert.Equal(t, 1, agent.count(codex.MethodThreadStart))
}

func TestService_EnsureAgentThreadTransportFailure(t *testing.T) {
	agent := &fakeAgentCaller{resumeErr: fmt.Errorf("broken pipe")}
	svc, st, _ := newTestService(t, agent)

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(context.Background(), thread))

	_, _, err := svc.EnsureAgentThread(context.Background(), "t-1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAgentUnavailable, errors.CodeOf(err))
	assert.Zero(t, agent.count(codex.MethodThreadStart), "no fresh thread while the agent is down")
}

func TestService_ActivateRebuildsProjection(t *testing.T) {
	agent := &fakeAgentCaller{
		resumeTurns: []codex.Turn{
			{
				ID:     "turn-1",
				Status: codex.TurnStatusCompleted,
				Items: []codex.Item{
					{ID: "item-1", Type: codex.ItemTypeUserMessage, Status: "completed", Text: "hello"},
					{ID: "item-2", Type: codex.ItemTypeAgentMessage, Status: "completed", Text: "hi there"},
				},
			},
		},
	}
	svc, st, _ := newTestService(t, agent)
	ctx := context.Background()

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(ctx, thread))

	// A stale projection row that the rebuild must replace.
	require.NoError(t, st.ReplaceThreadEvents(ctx, "t-1", []*store.ThreadEvent{
		{Type: orchestrator.EnvelopeError, TS: "2026-01-01T00:00:00Z", Payload: json.RawMessage(`{"message":"old"}`)},
	}))

	result, err := svc.Activate(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, result.Rehydrated)
	assert.Equal(t, 4, result.EventCount)

	page, err := svc.ListEvents(ctx, "t-1", -1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 4)
	assert.Equal(t, orchestrator.EnvelopeTurnStarted, page.Data[0].Type)
	assert.Equal(t, orchestrator.EnvelopeItemCompleted, page.Data[1].Type)
	assert.Equal(t, orchestrator.EnvelopeItemCompleted, page.Data[2].Type)
	assert.Equal(t, orchestrator.EnvelopeTurnCompleted, page.Data[3].Type)

	var item orchestrator.ItemPayload
	require.NoError(t, json.Unmarshal(page.Data[2].Payload, &item))
	var decoded codex.Item
	require.NoError(t, json.Unmarshal(item.Item, &decoded))
	assert.Equal(t, "hi there", decoded.Text)
}

func TestService_ActivateFallsBackToStoredProjection(t *testing.T) {
	agent := &fakeAgentCaller{resumeErr: fmt.Errorf("agent gone")}
	svc, st, _ := newTestService(t, agent)
	ctx := context.Background()

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(ctx, thread))
	require.NoError(t, st.ReplaceThreadEvents(ctx, "t-1", []*store.ThreadEvent{
		{Type: orchestrator.EnvelopeItemCompleted, TS: "2026-01-01T00:00:00Z", Payload: json.RawMessage(`{}`)},
	}))

	result, err := svc.Activate(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, result.Rehydrated)
	assert.Equal(t, 1, result.EventCount, "stored projection kept")
}

func TestService_ActivateUnknownThread(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeAgentCaller{})
	_, err := svc.Activate(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeThreadNotFound, errors.CodeOf(err))
}

func TestService_JobFinishedMergesEnvelopes(t *testing.T) {
	svc, st, eventBus := newTestService(t, &fakeAgentCaller{})
	ctx := context.Background()

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(ctx, thread))
	job := &store.Job{ThreadID: "t-1"}
	require.NoError(t, st.CreateJob(ctx, job))
	for seq, envType := range []string{
		orchestrator.EnvelopeJobCreated,
		orchestrator.EnvelopeItemCompleted,
		orchestrator.EnvelopeJobFinished,
	} {
		require.NoError(t, st.AppendEvent(ctx, &store.Event{
			JobID: job.ID, Seq: int64(seq), ThreadID: "t-1",
			Type: envType, TS: "2026-02-03T04:05:06Z", Payload: json.RawMessage(`{}`),
		}))
	}

	err := eventBus.Publish(ctx, events.BuildJobFinishedSubject(job.ID),
		bus.NewEvent(events.JobFinished, "test", map[string]interface{}{
			"jobId":    job.ID,
			"threadId": "t-1",
		}))
	require.NoError(t, err)

	waitFor(t, "projection merge", func() bool {
		count, err := st.CountThreadEvents(ctx, "t-1")
		return err == nil && count == 3
	})

	page, err := svc.ListEvents(ctx, "t-1", -1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, orchestrator.EnvelopeJobCreated, page.Data[0].Type)
	assert.Equal(t, orchestrator.EnvelopeJobFinished, page.Data[2].Type)
	assert.Equal(t, int64(2), page.Data[2].Seq)
}

func TestService_ListEventsPaging(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeAgentCaller{})
	ctx := context.Background()

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(ctx, thread))
	var seed []*store.ThreadEvent
	for i := 0; i < 5; i++ {
		seed = append(seed, &store.ThreadEvent{
			Type:    orchestrator.EnvelopeItemCompleted,
			TS:      "2026-01-01T00:00:00Z",
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	require.NoError(t, st.ReplaceThreadEvents(ctx, "t-1", seed))

	page, err := svc.ListEvents(ctx, "t-1", -1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(1), page.NextCursor)
	assert.Equal(t, 5, page.Total)

	page, err = svc.ListEvents(ctx, "t-1", page.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3), page.NextCursor)

	page, err = svc.ListEvents(ctx, "t-1", page.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(4), page.NextCursor)

	// Nothing past the tail; cursor stays put.
	page, err = svc.ListEvents(ctx, "t-1", page.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(4), page.NextCursor)
}

func TestService_ArchiveRoundTrip(t *testing.T) {
	svc, st, _ := newTestService(t, &fakeAgentCaller{})
	ctx := context.Background()

	thread := &store.Thread{ID: "t-1", ProjectPath: "/repo"}
	require.NoError(t, st.CreateThread(ctx, thread))

	require.NoError(t, svc.Archive(ctx, "t-1"))
	archived, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "t-1", archived[0].ID)

	active, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, svc.Unarchive(ctx, "t-1"))
	active, err = svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
}
