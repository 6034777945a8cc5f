package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/linuxdeveloper/ast-api/internal/util"
)

// handlePing is the unauthenticated health check.
func (s *Server) handlePing(c *gin.Context) {
	st := s.manager.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.Version,
		"manager": st.State,
	})
}

// handleStatus reports the manager link and the host it runs on.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"manager": s.manager.Status(),
		"host":    util.GetHostInfo(),
		"version": util.Version,
	})
}
