package management

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
)

// GetConfig returns the full runtime configuration with credentials masked.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.base.Cfg

	masked := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		masked = append(masked, maskKey(k))
	}

	c.JSON(200, gin.H{
		"port":                            cfg.Port,
		"api-keys":                        masked,
		"debug":                           cfg.Debug,
		"logging-to-file":                 cfg.LoggingToFile,
		"request-log":                     cfg.RequestLog,
		"claude-binary-path":              cfg.ClaudeBinaryPath,
		"default-model":                   cfg.DefaultModel,
		"default-workspace-dir":           cfg.DefaultWorkspaceDir,
		"worker-concurrency":              cfg.WorkerConcurrency,
		"max-queue-size":                  cfg.MaxQueueSize,
		"request-timeout-millis":          cfg.RequestTimeoutMillis,
		"queue-timeout-millis":            cfg.QueueTimeoutMillis,
		"session-ttl-millis":              cfg.SessionTTLMillis,
		"max-sessions-per-key":            cfg.MaxSessionsPerKey,
		"session-cleanup-interval-millis": cfg.SessionCleanupIntervalMillis,
		"session-db-path":                 cfg.SessionDBPath,
		"usage-stats-path":                cfg.UsageStatsPath,
		"remote-management": gin.H{
			"allow-remote": cfg.RemoteManagement.AllowRemote,
			"secret-key":   "[REDACTED]",
		},
	})
}

// maskKey keeps just enough of a key to recognize it in a list.
func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}

// Debug
func (h *Handler) GetDebug(c *gin.Context) { c.JSON(200, gin.H{"debug": h.base.Cfg.Debug}) }
func (h *Handler) PutDebug(c *gin.Context) {
	h.updateBoolField(c, func(v bool) { h.base.Cfg.Debug = v })
}

// Request log
func (h *Handler) GetRequestLog(c *gin.Context) {
	c.JSON(200, gin.H{"request-log": h.base.Cfg.RequestLog})
}
func (h *Handler) PutRequestLog(c *gin.Context) {
	h.updateBoolField(c, func(v bool) { h.base.Cfg.RequestLog = v })
}

// Default model
func (h *Handler) GetDefaultModel(c *gin.Context) {
	c.JSON(200, gin.H{"default-model": h.base.Cfg.DefaultModel})
}
func (h *Handler) PutDefaultModel(c *gin.Context) {
	h.updateStringField(c, func(v string) { h.base.Cfg.DefaultModel = v })
}
func (h *Handler) DeleteDefaultModel(c *gin.Context) {
	h.base.Cfg.DefaultModel = ""
	h.persist(c)
}

// Default workspace dir
func (h *Handler) GetDefaultWorkspaceDir(c *gin.Context) {
	c.JSON(200, gin.H{"default-workspace-dir": h.base.Cfg.DefaultWorkspaceDir})
}
func (h *Handler) PutDefaultWorkspaceDir(c *gin.Context) {
	h.updateStringField(c, func(v string) { h.base.Cfg.DefaultWorkspaceDir = v })
}
func (h *Handler) DeleteDefaultWorkspaceDir(c *gin.Context) {
	h.base.Cfg.DefaultWorkspaceDir = ""
	h.persist(c)
}

// Generic helpers for list[string]
func (h *Handler) putStringList(c *gin.Context, set func([]string)) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(400, gin.H{"error": "failed to read body"})
		return
	}
	var arr []string
	if err = json.Unmarshal(data, &arr); err != nil {
		var obj struct {
			Items []string `json:"items"`
		}
		if err2 := json.Unmarshal(data, &obj); err2 != nil || len(obj.Items) == 0 {
			c.JSON(400, gin.H{"error": "invalid body"})
			return
		}
		arr = obj.Items
	}
	set(arr)
	h.persist(c)
}

func (h *Handler) patchStringList(c *gin.Context, target *[]string) {
	var body struct {
		Old   *string `json:"old"`
		New   *string `json:"new"`
		Index *int    `json:"index"`
		Value *string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(400, gin.H{"error": "invalid body"})
		return
	}
	if body.Index != nil && body.Value != nil && *body.Index >= 0 && *body.Index < len(*target) {
		(*target)[*body.Index] = *body.Value
		h.persist(c)
		return
	}
	if body.Old != nil && body.New != nil {
		for i := range *target {
			if (*target)[i] == *body.Old {
				(*target)[i] = *body.New
				h.persist(c)
				return
			}
		}
		*target = append(*target, *body.New)
		h.persist(c)
		return
	}
	c.JSON(400, gin.H{"error": "missing fields"})
}

func (h *Handler) deleteFromStringList(c *gin.Context, target *[]string) {
	if idxStr := c.Query("index"); idxStr != "" {
		var idx int
		_, err := fmt.Sscanf(idxStr, "%d", &idx)
		if err == nil && idx >= 0 && idx < len(*target) {
			*target = append((*target)[:idx], (*target)[idx+1:]...)
			h.persist(c)
			return
		}
	}
	if val := c.Query("value"); val != "" {
		out := make([]string, 0, len(*target))
		for _, v := range *target {
			if v != val {
				out = append(out, v)
			}
		}
		*target = out
		h.persist(c)
		return
	}
	c.JSON(400, gin.H{"error": "missing index or value"})
}

// api-keys. The GET view is masked; writes take the keys verbatim.
func (h *Handler) GetAPIKeys(c *gin.Context) {
	masked := make([]string, 0, len(h.base.Cfg.APIKeys))
	for _, k := range h.base.Cfg.APIKeys {
		masked = append(masked, maskKey(k))
	}
	c.JSON(200, gin.H{"api-keys": masked})
}
func (h *Handler) PutAPIKeys(c *gin.Context) {
	h.putStringList(c, func(v []string) { h.base.Cfg.APIKeys = v })
}
func (h *Handler) PatchAPIKeys(c *gin.Context)  { h.patchStringList(c, &h.base.Cfg.APIKeys) }
func (h *Handler) DeleteAPIKeys(c *gin.Context) { h.deleteFromStringList(c, &h.base.Cfg.APIKeys) }
