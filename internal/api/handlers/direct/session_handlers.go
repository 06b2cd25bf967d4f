package direct

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListSessions handles GET /v1/sessions. Only the caller's sessions are
// visible; upstream tokens are never serialized.
func (h *DirectAPIHandler) ListSessions(c *gin.Context) {
	sessions, err := h.Sessions.List(c.Request.Context(), h.Credential(c))
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession handles GET /v1/sessions/:id.
func (h *DirectAPIHandler) GetSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"), h.Credential(c))
	if err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/:id.
func (h *DirectAPIHandler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.Sessions.Delete(c.Request.Context(), id, h.Credential(c)); err != nil {
		h.WriteErrorDirect(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "deleted",
		"session_id": id,
	})
}
