package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/codex"
)

// sseHeartbeatInterval is how long an SSE stream may sit idle before a
// comment line goes out to keep intermediaries from closing it.
const sseHeartbeatInterval = 15 * time.Second

// handleStartTurn handles POST /v1/threads/:id/turns. The turn is accepted
// and queued; progress arrives on the job's event stream.
func (s *Server) handleStartTurn(c *gin.Context) {
	var req startTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}

	var items []codex.UserInput
	if req.Text != "" {
		items = append(items, codex.UserInput{Type: "text", Text: req.Text})
	}
	var sandbox *codex.SandboxPolicy
	if req.Sandbox != "" {
		sandbox = &codex.SandboxPolicy{Type: req.Sandbox}
	}

	job, err := s.orch.StartTurn(c.Request.Context(), c.Param("id"), orchestrator.StartTurnInput{
		Items:          items,
		Model:          req.Model,
		ApprovalPolicy: req.ApprovalPolicy,
		SandboxPolicy:  sandbox,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "state": job.State})
}

// handleGetJob handles GET /v1/jobs/:id. The snapshot pairs the job row
// with its open approvals so a reconnecting client can redraw pending
// prompts without replaying the stream.
func (s *Server) handleGetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	open, err := s.orch.ListOpenApprovals(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if open == nil {
		open = []*store.Approval{}
	}

	c.JSON(http.StatusOK, gin.H{"job": job, "openApprovals": open})
}

// handleJobEvents handles GET /v1/jobs/:id/events. Clients that accept
// text/event-stream get a live SSE stream; everyone else gets the retained
// window as a JSON batch.
func (s *Server) handleJobEvents(c *gin.Context) {
	cursor, err := parseInt64Query(c, "cursor", orchestrator.CursorNone)
	if err != nil {
		s.respondError(c, errors.ValidationError("cursor", "must be an integer"))
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.streamJobEvents(c, c.Param("id"), cursor)
		return
	}

	events, firstSeq, nextCursor, err := s.orch.Events().List(c.Request.Context(), c.Param("id"), cursor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if events == nil {
		events = []*orchestrator.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"nextCursor": nextCursor,
		"firstSeq":   firstSeq,
	})
}

// streamJobEvents writes the job's envelope stream as SSE: replay after the
// cursor, then the live tail until job.finished has been delivered. The
// subscription is taken before any byte is written so cursor errors still
// surface as JSON.
func (s *Server) streamJobEvents(c *gin.Context, jobID string, cursor int64) {
	ctx := c.Request.Context()

	firstSeq, err := s.orch.Events().FirstSeq(ctx, jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	sub, err := s.orch.Events().Subscribe(ctx, jobID, cursor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The server-wide write deadline would sever the stream mid-job. Best
	// effort only; with write timeouts disabled this is a no-op.
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetWriteDeadline(time.Time{})

	fmt.Fprintf(w, ": firstSeq=%d\n\n", firstSeq)
	w.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSEEnvelope(w, env); err != nil {
				return
			}
			heartbeat.Reset(sseHeartbeatInterval)
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEnvelope(w gin.ResponseWriter, env *orchestrator.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id:%d\nevent:%s\ndata:%s\n\n", env.Seq, env.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// handleApprove handles POST /v1/jobs/:id/approve.
func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}
	approvalID := req.approvalID()
	if approvalID == "" {
		s.respondError(c, errors.ValidationError("approvalId", "is required"))
		return
	}

	result, err := s.orch.Approve(c.Request.Context(), c.Param("id"), orchestrator.ApproveInput{
		ApprovalID: approvalID,
		Decision:   req.Decision,
		Amendment:  req.Amendment,
		Reason:     req.Reason,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleCancelJob handles POST /v1/jobs/:id/cancel.
func (s *Server) handleCancelJob(c *gin.Context) {
	job, err := s.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": job.ID, "state": job.State})
}
