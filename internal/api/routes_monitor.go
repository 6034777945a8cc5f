package api

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/linuxdeveloper/ast-api/internal/util"
)

const maxListLimit = 500

// handleEvents lists journaled events, newest first.
// Query: limit (default 50), name (event name filter).
func (s *Server) handleEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event journal is disabled"})
		return
	}
	limit, ok := queryLimit(c, 50)
	if !ok {
		return
	}

	entries, err := s.journal.Recent(limit, c.Query("name"))
	if err != nil {
		s.logger.Error().Err(err).Msg("API: failed to read journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": entries,
		"count":  len(entries),
	})
}

// handleConnections lists manager link state changes.
func (s *Server) handleConnections(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event journal is disabled"})
		return
	}
	limit, ok := queryLimit(c, 20)
	if !ok {
		return
	}

	records, err := s.journal.Connections(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("API: failed to read connection log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read connection log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": records})
}

// handleUsage samples host load.
func (s *Server) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetResourceUsage(filepath.Dir(s.cfg.GetJournal().Path)))
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
