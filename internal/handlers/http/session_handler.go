// Package http exposes the session metadata API.
package http

import (
	"errors"
	"net/http"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/identity"
	"livecast/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type SessionHandler struct {
	streams  ports.StreamRepository
	provider *identity.JWTProvider
}

func NewSessionHandler(streams ports.StreamRepository, provider *identity.JWTProvider) *SessionHandler {
	return &SessionHandler{
		streams:  streams,
		provider: provider,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions", middleware.AuthMiddleware(h.provider), h.CreateSession)
		api.DELETE("/sessions/:id", middleware.AuthMiddleware(h.provider), h.DeleteSession)

		api.POST("/auth/guest", h.GuestToken)
	}
}

// ListSessions returns the sessions currently live.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.streams.ListLive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	session, err := h.streams.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": session,
	})
}

// CreateSession registers session metadata ahead of going live.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	caller, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	var req struct {
		ID    string `json:"id"`
		Title string `json:"title" binding:"required,min=1,max=200"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	session := &domain.StreamSession{
		ID:            domain.SessionID(req.ID),
		BroadcasterID: caller.ID,
		Title:         req.Title,
	}
	if err := h.streams.Create(c.Request.Context(), session); err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": session,
	})
}

// DeleteSession removes session metadata. Only the owning broadcaster may
// delete it.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	caller, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	session, err := h.streams.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session.BroadcasterID != caller.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
		return
	}

	if err := h.streams.Delete(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// GuestToken mints an anonymous identity and returns a signed token for it.
func (h *SessionHandler) GuestToken(c *gin.Context) {
	guest := identity.Guest()
	token, err := h.provider.IssueToken(guest)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"user_id":    guest.ID,
		"expires_at": time.Now().Add(h.provider.TTL()).Unix(),
	})
}
