package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ActivityHandler exposes the session's call history
type ActivityHandler struct {
	logger *logrus.Logger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(logger *logrus.Logger) *ActivityHandler {
	return &ActivityHandler{logger: logger}
}

// List returns the retained activity entries, oldest first
// GET /api/v1/activity
func (h *ActivityHandler) List(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	entries := session.Activity.Entries()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

// Export downloads the activity log as a JSON attachment for bug reports
// GET /api/v1/activity/export
func (h *ActivityHandler) Export(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	export := gin.H{
		"session_id":  session.ID,
		"exported_at": time.Now(),
		"state":       session.Orchestrator.Snapshot(),
		"entries":     session.Activity.Entries(),
	}

	body, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		h.logger.WithError(err).Error("Failed to export activity log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export activity log"})
		return
	}

	filename := fmt.Sprintf("flowprobe-activity-%s-%s.json", session.ID, time.Now().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/json", body)
}
