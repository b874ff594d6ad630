package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/store"
)

// handleRegisterDevice handles POST /v1/push/devices/register. Re-registering
// a token updates its scope in place.
func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}

	err := s.push.Register(c.Request.Context(), &store.Device{
		Token:       req.Token,
		Platform:    req.Platform,
		Bundle:      req.Bundle,
		Environment: req.Environment,
		ThreadScope: req.ThreadScope,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUnregisterDevice handles POST /v1/push/devices/unregister.
func (s *Server) handleUnregisterDevice(c *gin.Context) {
	var req unregisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}

	if err := s.push.Unregister(c.Request.Context(), req.Token); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
