package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

type jobResponse struct {
	Job           *store.Job        `json:"job"`
	OpenApprovals []*store.Approval `json:"openApprovals"`
}

type eventsBatch struct {
	Events []struct {
		Type  string `json:"type"`
		Seq   int64  `json:"seq"`
		JobID string `json:"jobId"`
	} `json:"events"`
	NextCursor int64 `json:"nextCursor"`
	FirstSeq   int64 `json:"firstSeq"`
}

func (h *testServer) getJob(jobID string) *jobResponse {
	h.t.Helper()
	resp := h.request(http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var body jobResponse
	decodeBody(h.t, resp, &body)
	return &body
}

// streamEvents reads a job's SSE stream to completion. The handler closes
// the stream after job.finished, so the read terminates on its own.
func (h *testServer) streamEvents(jobID string) string {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/v1/jobs/"+jobID+"/events", nil)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.Equal(h.t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return string(body)
}

// requestApproval injects an agent-side approval request for the thread's
// running job, as if it arrived over the agent transport.
func (h *testServer) requestApproval(threadID, itemID, command string) {
	h.t.Helper()
	params, err := json.Marshal(&codex.CommandApprovalParams{
		ThreadID: threadID,
		TurnID:   "t-1",
		ItemID:   itemID,
		Command:  command,
		Cwd:      "/tmp",
	})
	require.NoError(h.t, err)
	h.orch.HandleRequest(int64(41), codex.NotifyItemCmdExecRequestApproval, params)
}

func TestJobs_StartTurnAcceptedAndCompletes(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("runner")
	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/turns", map[string]interface{}{
		"text": "hello there",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		JobID string `json:"jobId"`
		State string `json:"state"`
	}
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, store.JobStateQueued, body.State)

	h.waitForJobState(body.JobID, store.JobStateDone)
}

func TestJobs_StartTurnRequiresText(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("quiet")
	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/turns", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestJobs_SecondTurnConflicts(t *testing.T) {
	h := newTestServer(t, nil)
	release := h.agent.holdTurns()
	defer release()

	th := h.createThread("busy")
	jobID := h.startTurn(th.ID, "first")

	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/turns", map[string]interface{}{
		"text": "second",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "THREAD_HAS_ACTIVE_JOB", errorCode(t, resp))

	release()
	h.waitForJobState(jobID, store.JobStateDone)
}

func TestJobs_GetJob(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("lookup")
	jobID := h.startTurn(th.ID, "look me up")
	h.waitForJobState(jobID, store.JobStateDone)

	body := h.getJob(jobID)
	assert.Equal(t, jobID, body.Job.ID)
	assert.Equal(t, th.ID, body.Job.ThreadID)
	assert.Equal(t, store.JobStateDone, body.Job.State)
	assert.NotNil(t, body.OpenApprovals)
	assert.Empty(t, body.OpenApprovals)
}

func TestJobs_GetJobMissing(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, resp))
}

func TestJobs_EventsBatch(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("batcher")
	jobID := h.startTurn(th.ID, "make events")
	h.waitForJobState(jobID, store.JobStateDone)

	resp := h.request(http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch eventsBatch
	decodeBody(t, resp, &batch)
	require.Len(t, batch.Events, 4)
	assert.Equal(t, "job.created", batch.Events[0].Type)
	assert.Equal(t, int64(0), batch.Events[0].Seq)
	assert.Equal(t, jobID, batch.Events[0].JobID)
	assert.Equal(t, "job.finished", batch.Events[3].Type)
	assert.Equal(t, int64(0), batch.FirstSeq)
	assert.Equal(t, int64(3), batch.NextCursor)

	resp = h.request(http.MethodGet, "/v1/jobs/"+jobID+"/events?cursor=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &batch)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "turn.completed", batch.Events[0].Type)
	assert.Equal(t, "job.finished", batch.Events[1].Type)
}

func TestJobs_EventsCursorExpired(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Events.Retention = 3
	})

	th := h.createThread("forgetful")
	jobID := h.startTurn(th.ID, "trim me")
	h.waitForJobState(jobID, store.JobStateDone)

	resp := h.request(http.MethodGet, "/v1/jobs/"+jobID+"/events?cursor=0", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CURSOR_EXPIRED", errorCode(t, resp))

	resp = h.request(http.MethodGet, "/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch eventsBatch
	decodeBody(t, resp, &batch)
	require.Len(t, batch.Events, 3)
	assert.Equal(t, int64(1), batch.FirstSeq)
	assert.Equal(t, int64(1), batch.Events[0].Seq)
	assert.Equal(t, "job.finished", batch.Events[2].Type)
}

func TestJobs_EventsStreamFinishedJob(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("streamer")
	jobID := h.startTurn(th.ID, "stream me")
	h.waitForJobState(jobID, store.JobStateDone)

	body := h.streamEvents(jobID)
	assert.True(t, strings.HasPrefix(body, ": firstSeq=0\n\n"), "stream should open with the snapshot hint, got %q", body)
	assert.Contains(t, body, "id:0\nevent:job.created\ndata:")
	assert.Contains(t, body, "event:turn.completed")
	assert.Contains(t, body, "event:job.finished")
	assert.Equal(t, 5, strings.Count(body, "\n\n"), "one comment and four envelopes")
}

func TestJobs_EventsStreamLiveJob(t *testing.T) {
	h := newTestServer(t, nil)
	release := h.agent.holdTurns()
	defer release()

	th := h.createThread("live")
	jobID := h.startTurn(th.ID, "stream live")
	waitFor(t, "turn start reaching the agent", func() bool {
		return h.agent.callCount(codex.MethodTurnStart) == 1
	})

	done := make(chan string, 1)
	go func() { done <- h.streamEvents(jobID) }()
	release()

	body := <-done
	assert.Contains(t, body, "event:job.created")
	assert.Contains(t, body, "event:job.finished")
}

func TestJobs_ApproveFlow(t *testing.T) {
	h := newTestServer(t, nil)
	release := h.agent.holdTurns()
	defer release()

	th := h.createThread("approver")
	jobID := h.startTurn(th.ID, "run: rm -rf build")
	waitFor(t, "turn start reaching the agent", func() bool {
		return h.agent.callCount(codex.MethodTurnStart) == 1
	})

	h.requestApproval(th.ID, "item-1", "rm -rf build")
	h.waitForJobState(jobID, store.JobStateWaitingApproval)

	body := h.getJob(jobID)
	require.Len(t, body.OpenApprovals, 1)
	approvalID := body.OpenApprovals[0].ID
	assert.Equal(t, "rm -rf build", body.OpenApprovals[0].Command)

	resp := h.request(http.MethodPost, "/v1/jobs/"+jobID+"/approve", map[string]interface{}{
		"approvalId": approvalID,
		"decision":   "accept",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result orchestrator.ApproveResult
	decodeBody(t, resp, &result)
	assert.Equal(t, orchestrator.ApproveStatusSubmitted, result.Status)
	assert.Equal(t, codex.DecisionAccept, result.Decision)

	resp = h.request(http.MethodPost, "/v1/jobs/"+jobID+"/approve", map[string]interface{}{
		"approvalId": approvalID,
		"decision":   "accept",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &result)
	assert.Equal(t, orchestrator.ApproveStatusAlreadySubmitted, result.Status)

	h.waitForJobState(jobID, store.JobStateRunning)
	release()
	h.waitForJobState(jobID, store.JobStateDone)
}

func TestJobs_ApproveAcceptsSnakeCaseField(t *testing.T) {
	h := newTestServer(t, nil)
	release := h.agent.holdTurns()
	defer release()

	th := h.createThread("compat")
	jobID := h.startTurn(th.ID, "run: make deploy")
	waitFor(t, "turn start reaching the agent", func() bool {
		return h.agent.callCount(codex.MethodTurnStart) == 1
	})
	h.requestApproval(th.ID, "item-1", "make deploy")
	h.waitForJobState(jobID, store.JobStateWaitingApproval)
	approvalID := h.getJob(jobID).OpenApprovals[0].ID

	resp := h.request(http.MethodPost, "/v1/jobs/"+jobID+"/approve", map[string]interface{}{
		"approval_id": approvalID,
		"decision":    "decline",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result orchestrator.ApproveResult
	decodeBody(t, resp, &result)
	assert.Equal(t, orchestrator.ApproveStatusSubmitted, result.Status)
}

func TestJobs_ApproveRequiresApprovalID(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("strict")
	jobID := h.startTurn(th.ID, "anything")
	h.waitForJobState(jobID, store.JobStateDone)

	resp := h.request(http.MethodPost, "/v1/jobs/"+jobID+"/approve", map[string]interface{}{
		"decision": "accept",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestJobs_ApproveUnknownApproval(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/jobs/nope/approve", map[string]interface{}{
		"approvalId": "a-1",
		"decision":   "accept",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "APPROVAL_NOT_FOUND", errorCode(t, resp))
}

func TestJobs_ApproveRejectsUnknownDecision(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/jobs/nope/approve", map[string]interface{}{
		"approvalId": "a-1",
		"decision":   "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestJobs_CancelRunningJob(t *testing.T) {
	h := newTestServer(t, nil)
	release := h.agent.holdTurns()
	defer release()

	th := h.createThread("cancel")
	jobID := h.startTurn(th.ID, "never mind")
	waitFor(t, "turn start reaching the agent", func() bool {
		return h.agent.callCount(codex.MethodTurnStart) == 1
	})

	resp := h.request(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		JobID string `json:"jobId"`
		State string `json:"state"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, jobID, body.JobID)

	h.waitForJobState(jobID, store.JobStateCancelled)
	assert.Equal(t, 1, h.agent.callCount(codex.MethodTurnInterrupt))
}

func TestJobs_CancelFinishedJobIsNoop(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("late")
	jobID := h.startTurn(th.ID, "all done")
	h.waitForJobState(jobID, store.JobStateDone)

	resp := h.request(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		JobID string `json:"jobId"`
		State string `json:"state"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, store.JobStateDone, body.State)
}
