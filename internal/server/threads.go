package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/thread"
)

const defaultEventPageSize = 200

// handleCreateThread handles POST /v1/threads.
func (s *Server) handleCreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}

	th, err := s.threads.Create(c.Request.Context(), thread.CreateInput{
		ProjectPath:    req.ProjectPath,
		Name:           req.ThreadName,
		Model:          req.Model,
		ApprovalPolicy: req.ApprovalPolicy,
		Sandbox:        req.Sandbox,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, th)
}

// handleListThreads handles GET /v1/threads. Rendered thread objects are
// reused across requests through a version-keyed cache, so an unchanged
// row is marshaled once.
func (s *Server) handleListThreads(c *gin.Context) {
	archived := c.Query("archived") == "true"

	threads, err := s.threads.List(c.Request.Context(), archived)
	if err != nil {
		s.respondError(c, err)
		return
	}

	data := make([]json.RawMessage, 0, len(threads))
	for _, th := range threads {
		blob, err := s.renderThread(th)
		if err != nil {
			s.respondError(c, errors.InternalError("failed to render thread", err))
			return
		}
		data = append(data, blob)
	}

	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) renderThread(th *store.Thread) (json.RawMessage, error) {
	key := fmt.Sprintf("%s@%d", th.ID, th.UpdatedAt.UnixNano())
	if blob, ok := s.threadCache.get(key); ok {
		return blob, nil
	}
	blob, err := json.Marshal(th)
	if err != nil {
		return nil, err
	}
	s.threadCache.put(key, blob)
	return blob, nil
}

// handleGetThread handles GET /v1/threads/:id.
func (s *Server) handleGetThread(c *gin.Context) {
	th, err := s.threads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

// handleActivateThread handles POST /v1/threads/:id/activate.
func (s *Server) handleActivateThread(c *gin.Context) {
	result, err := s.threads.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleThreadEvents handles GET /v1/threads/:id/events. Cursor semantics
// are "events after seq"; no cursor means from the beginning.
func (s *Server) handleThreadEvents(c *gin.Context) {
	cursor, err := parseInt64Query(c, "cursor", -1)
	if err != nil {
		s.respondError(c, errors.ValidationError("cursor", "must be an integer"))
		return
	}
	limit, err := parseIntQuery(c, "limit", defaultEventPageSize)
	if err != nil {
		s.respondError(c, errors.ValidationError("limit", "must be an integer"))
		return
	}

	page, err := s.threads.ListEvents(c.Request.Context(), c.Param("id"), cursor, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// handleArchiveThread handles POST /v1/threads/:id/archive.
func (s *Server) handleArchiveThread(c *gin.Context) {
	threadID := c.Param("id")
	if err := s.threads.Archive(c.Request.Context(), threadID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threadId": threadID, "archived": true})
}

// handleUnarchiveThread handles POST /v1/threads/:id/unarchive.
func (s *Server) handleUnarchiveThread(c *gin.Context) {
	threadID := c.Param("id")
	if err := s.threads.Unarchive(c.Request.Context(), threadID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threadId": threadID, "archived": false})
}

// handleExportThread handles POST /v1/threads/:id/export.
func (s *Server) handleExportThread(c *gin.Context) {
	result, err := s.threads.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.log.Info("thread exported",
		zap.String("thread_id", result.ThreadID),
		zap.String("package_path", result.PackagePath))
	c.JSON(http.StatusOK, result)
}

// handleImportThread handles POST /v1/threads/import.
func (s *Server) handleImportThread(c *gin.Context) {
	var req importThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}
	if req.PackagePath == "" {
		s.respondError(c, errors.ValidationError("packagePath", "is required"))
		return
	}

	result, err := s.threads.Import(c.Request.Context(), req.PackagePath)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.log.Info("thread imported",
		zap.String("source_thread_id", result.SourceThreadID),
		zap.String("target_thread_id", result.TargetThreadID))
	c.JSON(http.StatusCreated, result)
}

func parseInt64Query(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseIntQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
