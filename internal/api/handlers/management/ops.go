package management

import (
	"github.com/gin-gonic/gin"
)

// GetUsage returns the persisted request counters grouped by surface, model
// and outcome.
func (h *Handler) GetUsage(c *gin.Context) {
	snap, err := h.base.Usage.Snapshot()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to read usage: " + err.Error()})
		return
	}
	c.JSON(200, gin.H{"usage": snap})
}

// GetPool reports worker pool occupancy.
func (h *Handler) GetPool(c *gin.Context) {
	c.JSON(200, gin.H{
		"pool":    h.base.Pool.Stats(),
		"healthy": h.base.Pool.Healthy(),
	})
}

// PausePool refuses new submissions. Queued and running work still finishes.
func (h *Handler) PausePool(c *gin.Context) {
	h.base.Pool.Pause()
	c.JSON(200, gin.H{"status": "paused"})
}

// ResumePool restarts dispatch after a pause.
func (h *Handler) ResumePool(c *gin.Context) {
	h.base.Pool.Resume()
	c.JSON(200, gin.H{"status": "resumed"})
}
