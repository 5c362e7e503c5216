package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/muxpanel/muxpanel/internal/registry"
)

type createSessionRequest struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "muxpanel",
		"status":  "running",
		"endpoints": gin.H{
			"health":   "/health",
			"metrics":  "/metrics",
			"sessions": "/sessions",
			"stream":   "/stream",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": len(s.registry.List()),
		"active":   s.registry.ActiveID(),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry.List()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id, err := s.registry.Create(registry.CreateOptions{Name: req.Name, Cwd: req.Cwd})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	info, _ := s.registry.Get(id)
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	force := c.Query("force") == "true"

	if err := s.registry.Delete(id, force); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

func (s *Server) handleActivateSession(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if err := s.registry.SwitchActive(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": id})
}

func (s *Server) handleSaveSessions(c *gin.Context) {
	if err := s.persistence.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (s *Server) handleRestoreSessions(c *gin.Context) {
	restored, err := s.persistence.Restore()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": restored.SessionIDs,
		"active":   restored.ActiveID,
	})
}

// statusFor maps registry errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrLimitExceeded),
		errors.Is(err, registry.ErrAlreadyInProgress),
		errors.Is(err, registry.ErrProtectedMinimum):
		return http.StatusConflict
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
