package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/resdiag/flowprobe/internal/services"
	"github.com/resdiag/flowprobe/pkg/jwt"
)

// SessionHandler creates probe sessions and issues their tokens
type SessionHandler struct {
	sessions   *services.SessionService
	jwtService *jwt.Service
	logger     *logrus.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *services.SessionService, jwtService *jwt.Service, logger *logrus.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:   sessions,
		jwtService: jwtService,
		logger:     logger,
	}
}

// Create starts a new session with its own flow and activity log
// POST /api/v1/session
func (h *SessionHandler) Create(c *gin.Context) {
	session := h.sessions.Create(c.GetHeader("User-Agent"))

	token, err := h.jwtService.GenerateSessionToken(session.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue session token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"token":      token,
		"created_at": session.CreatedAt,
		"browser":    session.Browser,
		"device":     session.Device,
	})
}
