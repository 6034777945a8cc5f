package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/linuxdeveloper/ast-api/internal/ami"
)

type actionRequest struct {
	Action string `json:"action"`
	// Params are "Key: Value" or "Key=Value" strings, kept in order.
	Params []string `json:"params"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type debugRequest struct {
	Enabled bool `json:"enabled"`
}

// handleAction sends an arbitrary manager action and returns its response.
func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}
	params, err := ami.ParseParams(req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pkt, err := s.manager.Execute(c.Request.Context(), req.Action, params)
	if err != nil {
		s.managerError(c, err)
		return
	}

	s.logger.Info().
		Str("action", req.Action).
		Str("response", pkt.Response()).
		Str("client_ip", c.ClientIP()).
		Msg("API: action executed")

	c.JSON(http.StatusOK, gin.H{
		"response": pkt.Response(),
		"success":  pkt.IsSuccess(),
		"headers":  pkt.Map(),
		"data":     pkt.Data(),
	})
}

// handleCommand runs a console command.
func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	out, err := s.manager.Command(c.Request.Context(), req.Command)
	if err != nil {
		s.managerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"command": req.Command,
		"output":  out,
	})
}

// handleManagerPing measures a manager round trip.
func (s *Server) handleManagerPing(c *gin.Context) {
	rtt, err := s.manager.Ping(c.Request.Context())
	if err != nil {
		s.managerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rtt_ms": float64(rtt.Microseconds()) / 1000,
	})
}

// handleReconnect drops and re-establishes the manager link.
func (s *Server) handleReconnect(c *gin.Context) {
	if err := s.manager.Reconnect(c.Request.Context()); err != nil {
		s.managerError(c, err)
		return
	}
	s.logger.Info().Str("client_ip", c.ClientIP()).Msg("API: manager reconnected")
	c.JSON(http.StatusOK, gin.H{"status": "connected", "manager": s.manager.Status()})
}

// handleSetDebug toggles manager traffic dumps.
func (s *Server) handleSetDebug(c *gin.Context) {
	var req debugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.manager.SetDebug(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"debug": req.Enabled})
}

// managerError maps a manager failure onto an HTTP status.
func (s *Server) managerError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ami.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case ami.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ami.ErrMissingCredentials):
		status = http.StatusInternalServerError
	}
	s.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("API: manager request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
