package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

func TestNormalizeDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "accept", want: codex.DecisionAccept},
		{in: "decline", want: codex.DecisionDecline},
		{in: "cancel", want: codex.DecisionCancel},
		{in: "acceptForSession", want: codex.DecisionAcceptForSession},
		{in: "acceptWithExecpolicyAmendment", want: codex.DecisionAcceptWithExecpolicyAmendment},
		{in: "accept_for_session", want: codex.DecisionAcceptForSession},
		{in: "accept_with_execpolicy_amendment", want: codex.DecisionAcceptWithExecpolicyAmendment},
		{in: "approve", wantErr: true},
		{in: "timeout", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeDecision(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestWireDecision(t *testing.T) {
	assert.Equal(t, codex.DecisionDecline, wireDecision(DecisionTimeout))
	assert.Equal(t, codex.DecisionAccept, wireDecision(codex.DecisionAccept))
	assert.Equal(t, codex.DecisionCancel, wireDecision(codex.DecisionCancel))
}

func TestRequestIDFromWire(t *testing.T) {
	tests := []struct {
		in      interface{}
		want    int64
		wantErr bool
	}{
		{in: int64(9), want: 9},
		{in: int(3), want: 3},
		{in: float64(7), want: 7},
		{in: json.Number("12"), want: 12},
		{in: "15", want: 15},
		{in: "abc", wantErr: true},
		{in: nil, wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tt := range tests {
		got, err := requestIDFromWire(tt.in)
		if tt.wantErr {
			require.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func commandRequest(job *store.Job, requestID int64) ApprovalRequest {
	return ApprovalRequest{
		JobID:     job.ID,
		ThreadID:  job.ThreadID,
		Kind:      store.ApprovalKindCommand,
		TurnID:    "turn-1",
		ItemID:    "item-1",
		Command:   "npm test",
		Cwd:       "/repo",
		Payload:   json.RawMessage(`{"command":"npm test"}`),
		RequestID: requestID,
	}
}

func TestApprovalRegistry_FirstDecisionWins(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))
	ctx := context.Background()

	approval, isNew, err := reg.Register(ctx, commandRequest(job, 7))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int64(7), approval.RequestID)

	resolved, applied, err := reg.Resolve(ctx, approval.ID, codex.DecisionAccept, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, resolved.Decision)
	assert.Equal(t, codex.DecisionAccept, *resolved.Decision)

	// A second decision is acknowledged but does not rewrite history or
	// touch the transport again.
	resolved, applied, err = reg.Resolve(ctx, approval.ID, codex.DecisionDecline, nil)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, resolved.Decision)
	assert.Equal(t, codex.DecisionAccept, *resolved.Decision)

	responses := agent.sentResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, int64(7), responses[0].ID)
	resp, ok := responses[0].Result.(codex.ApprovalResponse)
	require.True(t, ok)
	assert.Equal(t, codex.DecisionAccept, resp.Decision)
}

func TestApprovalRegistry_ResolveUnknownApproval(t *testing.T) {
	st := newTestStore(t)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))

	_, _, err := reg.Resolve(context.Background(), "missing", codex.DecisionAccept, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeApprovalNotFound, errors.CodeOf(err))
}

func TestApprovalRegistry_CoalescesRepeatedFingerprint(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))
	ctx := context.Background()

	first, isNew, err := reg.Register(ctx, commandRequest(job, 7))
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := reg.Register(ctx, commandRequest(job, 8))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(8), second.RequestID)

	open, err := st.ListOpenApprovalsForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// The answer goes to the superseding request id.
	_, applied, err := reg.Resolve(ctx, first.ID, codex.DecisionAccept, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	responses := agent.sentResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, int64(8), responses[0].ID)
}

func TestApprovalRegistry_IncompleteFingerprintNeverCoalesces(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))
	ctx := context.Background()

	req := ApprovalRequest{
		JobID:     job.ID,
		ThreadID:  job.ThreadID,
		Kind:      store.ApprovalKindFileChange,
		TurnID:    "turn-1",
		ItemID:    "item-2",
		Payload:   json.RawMessage(`{"path":"main.go"}`),
		RequestID: 11,
	}
	_, isNew, err := reg.Register(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)

	req.RequestID = 12
	_, isNew, err = reg.Register(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew, "no command/cwd means no fingerprint, so no coalescing")

	open, err := st.ListOpenApprovalsForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestApprovalRegistry_ResolvedFingerprintStartsFresh(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))
	ctx := context.Background()

	first, _, err := reg.Register(ctx, commandRequest(job, 7))
	require.NoError(t, err)
	_, _, err = reg.Resolve(ctx, first.ID, codex.DecisionDecline, nil)
	require.NoError(t, err)

	// Same fingerprint after resolution is a new ask, not a repeat.
	second, isNew, err := reg.Register(ctx, commandRequest(job, 9))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestApprovalRegistry_AmendmentForwardedOnWire(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()
	reg := NewApprovalRegistry(st, agent, 0, nil, newTestLogger(t))
	ctx := context.Background()

	approval, _, err := reg.Register(ctx, commandRequest(job, 7))
	require.NoError(t, err)

	amendment := json.RawMessage(`{"allow":["npm test"]}`)
	_, applied, err := reg.Resolve(ctx, approval.ID, codex.DecisionAcceptWithExecpolicyAmendment, amendment)
	require.NoError(t, err)
	assert.True(t, applied)

	responses := agent.sentResponses()
	require.Len(t, responses, 1)
	resp, ok := responses[0].Result.(codex.ApprovalResponse)
	require.True(t, ok)
	assert.Equal(t, codex.DecisionAcceptWithExecpolicyAmendment, resp.Decision)
	assert.JSONEq(t, string(amendment), string(resp.Amendment))
}

func TestApprovalRegistry_TimeoutFires(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()

	fired := make(chan string, 1)
	reg := NewApprovalRegistry(st, agent, 50*time.Millisecond, func(approvalID, jobID string) {
		fired <- approvalID
	}, newTestLogger(t))

	approval, _, err := reg.Register(context.Background(), commandRequest(job, 7))
	require.NoError(t, err)

	select {
	case id := <-fired:
		assert.Equal(t, approval.ID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestApprovalRegistry_ResolveCancelsTimer(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()

	fired := make(chan string, 1)
	reg := NewApprovalRegistry(st, agent, 200*time.Millisecond, func(approvalID, jobID string) {
		fired <- approvalID
	}, newTestLogger(t))

	approval, _, err := reg.Register(context.Background(), commandRequest(job, 7))
	require.NoError(t, err)
	_, _, err = reg.Resolve(context.Background(), approval.ID, codex.DecisionAccept, nil)
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("timer fired after resolution")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestApprovalRegistry_StopCancelsTimers(t *testing.T) {
	st := newTestStore(t)
	job := newTestJob(t, st)
	agent := newFakeAgent()

	fired := make(chan string, 1)
	reg := NewApprovalRegistry(st, agent, 200*time.Millisecond, func(approvalID, jobID string) {
		fired <- approvalID
	}, newTestLogger(t))

	_, _, err := reg.Register(context.Background(), commandRequest(job, 7))
	require.NoError(t, err)
	reg.Stop()

	select {
	case <-fired:
		t.Fatal("timer fired after Stop")
	case <-time.After(500 * time.Millisecond):
	}
}
