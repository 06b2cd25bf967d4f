// Package management provides the management API handlers and middleware:
// runtime configuration inspection and patching, usage counters and worker
// pool control. All endpoints sit behind a bcrypt-hashed management key.
package management

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/config"
)

// Handler aggregates the shared handler core with the persistence path for
// configuration writes.
type Handler struct {
	base           *handlers.BaseAPIHandler
	configFilePath string
	mu             sync.Mutex
}

// NewHandler creates a new management handler instance.
func NewHandler(base *handlers.BaseAPIHandler, configFilePath string) *Handler {
	return &Handler{base: base, configFilePath: configFilePath}
}

// Middleware enforces access control for management endpoints. Every request
// needs the management key; non-loopback callers additionally need
// allow-remote to be enabled.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := h.base.Cfg

		clientIP := c.ClientIP()
		if clientIP != "127.0.0.1" && clientIP != "::1" && !cfg.RemoteManagement.AllowRemote {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
			return
		}

		secret := cfg.RemoteManagement.SecretKey
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}

		// Accept either Authorization: Bearer <key> or X-Management-Key.
		var provided string
		if ah := c.GetHeader("Authorization"); ah != "" {
			parts := strings.SplitN(ah, " ", 2)
			if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
				provided = parts[1]
			} else {
				provided = ah
			}
		}
		if provided == "" {
			provided = c.GetHeader("X-Management-Key")
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(provided)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}

		c.Next()
	}
}

// persist saves the current in-memory config to disk, preserving comments.
func (h *Handler) persist(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := config.SaveConfigPreserveComments(h.configFilePath, h.base.Cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) updateBoolField(c *gin.Context, set func(bool)) {
	var body struct {
		Value *bool `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be {"value": <bool>}`})
		return
	}
	set(*body.Value)
	h.persist(c)
}

func (h *Handler) updateStringField(c *gin.Context, set func(string)) {
	var body struct {
		Value *string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be {"value": <string>}`})
		return
	}
	set(*body.Value)
	h.persist(c)
}
