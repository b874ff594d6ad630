package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coderelay/coderelay/pkg/codex"
)

// handleHealth handles GET /health. Unauthenticated so probes and the
// client's pairing screen can reach it before any token exists.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"authEnabled": s.cfg.Auth.Token != "",
		"agent":       s.agent.Info(),
	})
}

// handleListProjects handles GET /v1/projects.
func (s *Server) handleListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.projects.List()})
}

// handleListModels handles GET /v1/models. The supervisor caches the
// agent's answer; the error surfaces when the agent is down and the cache
// is cold.
func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.agent.Models(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if models == nil {
		models = []codex.Model{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
