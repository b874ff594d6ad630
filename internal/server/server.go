// Package server is the HTTP boundary of the daemon: the REST control
// plane, the per-job SSE event stream, and the terminal WebSocket bridge.
// Handlers validate and translate; all domain decisions live in the
// services they call.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/httpmw"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/project"
	"github.com/coderelay/coderelay/internal/push"
	"github.com/coderelay/coderelay/internal/terminal"
	"github.com/coderelay/coderelay/internal/thread"
	"github.com/coderelay/coderelay/pkg/codex"
)

// threadCacheEntries bounds the rendered-thread LRU.
const threadCacheEntries = 128

// AgentStatus is the slice of the agent supervisor the boundary reports
// on and proxies model listing through.
type AgentStatus interface {
	Info() agent.Info
	Models(ctx context.Context) ([]codex.Model, error)
}

// Server wires the HTTP router to the daemon's services.
type Server struct {
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	threads   *thread.Service
	terminals *terminal.Manager
	push      *push.Service
	projects  *project.Catalog
	agent     AgentStatus
	log       *logger.Logger

	router      *gin.Engine
	http        *http.Server
	threadCache *renderCache
}

// New builds the router with the full middleware chain and all routes.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, threads *thread.Service, terminals *terminal.Manager, pushSvc *push.Service, projects *project.Catalog, agentStatus AgentStatus, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:         cfg,
		orch:        orch,
		threads:     threads,
		terminals:   terminals,
		push:        pushSvc,
		projects:    projects,
		agent:       agentStatus,
		log:         log.WithComponent("http"),
		router:      gin.New(),
		threadCache: newRenderCache(threadCacheEntries),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.RequestLogger(s.log, "coderelay"))
	s.router.Use(httpmw.OtelTracing("coderelay"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mostly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1", httpmw.BearerAuth(s.cfg.Auth.Token))
	{
		v1.POST("/threads", s.handleCreateThread)
		v1.GET("/threads", s.handleListThreads)
		v1.GET("/threads/:id", s.handleGetThread)
		v1.POST("/threads/:id/activate", s.handleActivateThread)
		v1.GET("/threads/:id/events", s.handleThreadEvents)
		v1.POST("/threads/:id/turns", s.handleStartTurn)
		v1.POST("/threads/:id/archive", s.handleArchiveThread)
		v1.POST("/threads/:id/unarchive", s.handleUnarchiveThread)
		v1.POST("/threads/:id/export", s.handleExportThread)
		v1.POST("/threads/import", s.handleImportThread)

		v1.GET("/jobs/:id", s.handleGetJob)
		v1.GET("/jobs/:id/events", s.handleJobEvents)
		v1.POST("/jobs/:id/approve", s.handleApprove)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)

		v1.GET("/projects", s.handleListProjects)
		v1.GET("/models", s.handleListModels)

		v1.GET("/threads/:id/terminal", s.handleTerminalStatus)
		v1.POST("/threads/:id/terminal/open", s.handleTerminalOpen)
		v1.POST("/terminals/:sid/resize", s.handleTerminalResize)
		v1.POST("/terminals/:sid/close", s.handleTerminalClose)
		v1.GET("/terminals/:sid/stream", s.handleTerminalStream)

		v1.POST("/push/devices/register", s.handleRegisterDevice)
		v1.POST("/push/devices/unregister", s.handleUnregisterDevice)
	}
}

// Start binds the listener and serves until Shutdown. The write timeout
// stays disabled unless configured, because SSE and WebSocket streams
// outlive any sane request deadline.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}

	s.log.Info("http server listening",
		zap.String("addr", addr),
		zap.Bool("auth_enabled", s.cfg.Auth.Token != ""))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// respondError maps any error onto the canonical {"error":{code,message}}
// body. Non-AppErrors surface as INTERNAL_ERROR and get logged; typed
// errors speak for themselves.
func (s *Server) respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	code := errors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	message := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		message = appErr.Message
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}
