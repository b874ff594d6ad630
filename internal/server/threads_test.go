package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/thread"
	"github.com/coderelay/coderelay/pkg/codex"
)

func (h *testServer) getThreadEvents(threadID, query string) *thread.EventsPage {
	h.t.Helper()
	resp := h.request(http.MethodGet, "/v1/threads/"+threadID+"/events"+query, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var page thread.EventsPage
	decodeBody(h.t, resp, &page)
	return &page
}

func (h *testServer) waitForProjection(threadID string, count int) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("projection of %d events", count), func() bool {
		return h.getThreadEvents(threadID, "").Total >= count
	})
}

func TestThreads_CreateAndGet(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("fix login bug")
	assert.Equal(t, "th-0001", th.ID)
	assert.Equal(t, "fix login bug", th.Name)
	assert.False(t, th.Archived)
	assert.Equal(t, 1, h.agent.callCount(codex.MethodThreadStart))

	resp := h.request(http.MethodGet, "/v1/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got store.Thread
	decodeBody(t, resp, &got)
	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, th.ProjectPath, got.ProjectPath)
}

func TestThreads_CreateRejectsUnknownApprovalPolicy(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/threads", map[string]interface{}{
		"projectPath":    t.TempDir(),
		"approvalPolicy": "yolo",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestThreads_CreateRejectsUnknownSandbox(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/threads", map[string]interface{}{
		"projectPath": t.TempDir(),
		"sandbox":     "wide-open",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestThreads_CreateRejectsRelativePath(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/threads", map[string]interface{}{
		"projectPath": "relative/path",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, resp))
}

func TestThreads_GetMissing(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodGet, "/v1/threads/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "THREAD_NOT_FOUND", errorCode(t, resp))
}

func TestThreads_ListSeparatesArchived(t *testing.T) {
	h := newTestServer(t, nil)

	active := h.createThread("active")
	parked := h.createThread("parked")

	resp := h.request(http.MethodPost, "/v1/threads/"+parked.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archiveBody struct {
		ThreadID string `json:"threadId"`
		Archived bool   `json:"archived"`
	}
	decodeBody(t, resp, &archiveBody)
	assert.Equal(t, parked.ID, archiveBody.ThreadID)
	assert.True(t, archiveBody.Archived)

	var list struct {
		Data []store.Thread `json:"data"`
	}
	resp = h.request(http.MethodGet, "/v1/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, active.ID, list.Data[0].ID)

	resp = h.request(http.MethodGet, "/v1/threads?archived=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, parked.ID, list.Data[0].ID)

	resp = h.request(http.MethodPost, "/v1/threads/"+parked.ID+"/unarchive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.request(http.MethodGet, "/v1/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Len(t, list.Data, 2)
}

func TestThreads_ArchivedThreadRejectsTurns(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("parked")
	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.request(http.MethodPost, "/v1/threads/"+th.ID+"/turns", map[string]interface{}{
		"text": "hello",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "THREAD_ARCHIVED", errorCode(t, resp))
}

func TestThreads_Activate(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("dormant")
	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result thread.ActivateResult
	decodeBody(t, resp, &result)
	assert.Equal(t, th.ID, result.ThreadID)
	assert.True(t, result.Rehydrated)
	assert.Equal(t, 0, result.EventCount)
	assert.Equal(t, 1, h.agent.callCount(codex.MethodThreadResume))
}

func TestThreads_EventsAfterCompletedTurn(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("worker")
	jobID := h.startTurn(th.ID, "do the thing")
	h.waitForJobState(jobID, store.JobStateDone)
	h.waitForProjection(th.ID, 4)

	page := h.getThreadEvents(th.ID, "")
	require.Len(t, page.Data, 4)
	assert.Equal(t, "job.created", page.Data[0].Type)
	assert.Equal(t, "job.state", page.Data[1].Type)
	assert.Equal(t, "turn.completed", page.Data[2].Type)
	assert.Equal(t, "job.finished", page.Data[3].Type)
	assert.Equal(t, int64(3), page.NextCursor)
	assert.False(t, page.HasMore)
	assert.Equal(t, 4, page.Total)

	page = h.getThreadEvents(th.ID, "?cursor=1&limit=1")
	require.Len(t, page.Data, 1)
	assert.Equal(t, "turn.completed", page.Data[0].Type)
	assert.Equal(t, int64(2), page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestThreads_EventsRejectsBadCursor(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("cursors")
	resp := h.request(http.MethodGet, "/v1/threads/"+th.ID+"/events?cursor=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}

func TestThreads_ExportImportRoundTrip(t *testing.T) {
	h := newTestServer(t, nil)

	th := h.createThread("traveler")
	jobID := h.startTurn(th.ID, "pack your bags")
	h.waitForJobState(jobID, store.JobStateDone)
	h.waitForProjection(th.ID, 4)

	resp := h.request(http.MethodPost, "/v1/threads/"+th.ID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exported thread.ExportResult
	decodeBody(t, resp, &exported)
	assert.Equal(t, th.ID, exported.ThreadID)
	assert.NotEmpty(t, exported.PackagePath)
	assert.Equal(t, 4, exported.EventCount)

	resp = h.request(http.MethodPost, "/v1/threads/import", map[string]interface{}{
		"packagePath": exported.PackagePath,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var imported thread.ImportResult
	decodeBody(t, resp, &imported)
	assert.Equal(t, th.ID, imported.SourceThreadID)
	assert.NotEqual(t, th.ID, imported.TargetThreadID)
	assert.Equal(t, 4, imported.EventCount)

	resp = h.request(http.MethodGet, "/v1/threads/"+imported.TargetThreadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	page := h.getThreadEvents(imported.TargetThreadID, "")
	assert.Equal(t, 4, page.Total)
}

func TestThreads_ImportRequiresPackagePath(t *testing.T) {
	h := newTestServer(t, nil)

	resp := h.request(http.MethodPost, "/v1/threads/import", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
}
