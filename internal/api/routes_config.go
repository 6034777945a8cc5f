package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const redacted = "********"

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	m := s.cfg.GetManager()
	if m.Secret != "" {
		m.Secret = redacted
	}
	mq := s.cfg.GetMQTT()
	if mq.Password != "" {
		mq.Password = redacted
	}
	ac := s.cfg.GetAPI()
	if ac.Token != "" {
		ac.Token = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"manager": m,
		"logging": s.cfg.GetLogging(),
		"journal": s.cfg.GetJournal(),
		"mqtt":    mq,
		"api":     ac,
		"path":    s.cfg.Path(),
	})
}
