// Package api provides the HTTP server for the Claude Gate API. It wires the
// Gin engine, routing, CORS and authentication middleware, and the direct,
// OpenAI-compatible, Anthropic-compatible and management handler groups. The
// server supports hot-reloading parts of its configuration.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers"
	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers/claude"
	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers/direct"
	managementHandlers "github.com/router-for-me/ClaudeGateAPI/internal/api/handlers/management"
	"github.com/router-for-me/ClaudeGateAPI/internal/api/handlers/openai"
	"github.com/router-for-me/ClaudeGateAPI/internal/api/middleware"
	"github.com/router-for-me/ClaudeGateAPI/internal/config"
	"github.com/router-for-me/ClaudeGateAPI/internal/logging"
)

// Server owns the Gin engine, the underlying http.Server and the handler
// groups mounted on it.
type Server struct {
	engine *gin.Engine
	server *http.Server

	// base is the shared handler core: config, pool, stores, usage.
	base *handlers.BaseAPIHandler

	cfg            *config.Config
	requestLogger  *logging.FileRequestLogger
	configFilePath string

	// mgmt serves the /v0/management endpoints.
	mgmt *managementHandlers.Handler

	// startTime is when the server was constructed, reported by /health.
	startTime time.Time
}

// NewServer builds the engine, mounts middleware and routes, and returns a
// server ready to Start.
func NewServer(cfg *config.Config, base *handlers.BaseAPIHandler, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLog())
	engine.Use(logging.Recovery())

	// Request dump logging sits after recovery and before auth so rejected
	// requests are captured too.
	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.RequestLoggingMiddleware(requestLogger))

	engine.Use(cors())

	s := &Server{
		engine:         engine,
		base:           base,
		cfg:            cfg,
		requestLogger:  requestLogger,
		configFilePath: configFilePath,
		startTime:      time.Now(),
	}
	s.mgmt = managementHandlers.NewHandler(base, configFilePath)

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	return s
}

// setupRoutes mounts every endpoint group on the engine.
func (s *Server) setupRoutes() {
	directHandlers := direct.NewDirectAPIHandler(s.base)
	openaiHandlers := openai.NewOpenAIAPIHandler(s.base)
	claudeHandlers := claude.NewClaudeAPIHandler(s.base)

	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.base))
	{
		v1.GET("/models", s.modelsHandler(openaiHandlers.OpenAIModels, claudeHandlers.ClaudeModels))

		// Direct API
		v1.POST("/run", directHandlers.Run)
		v1.GET("/sessions", directHandlers.ListSessions)
		v1.GET("/sessions/:id", directHandlers.GetSession)
		v1.DELETE("/sessions/:id", directHandlers.DeleteSession)
		v1.POST("/tasks", directHandlers.CreateTask)
		v1.GET("/tasks/:id", directHandlers.GetTask)
		v1.DELETE("/tasks/:id", directHandlers.CancelTask)

		// Compatibility surfaces
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/messages", claudeHandlers.ClaudeMessages)
	}

	// Health endpoint is unauthenticated so load balancers can probe it.
	s.engine.GET("/health", s.healthHandler)

	// Root endpoint
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Claude Gate API Server",
			"version": "1.0.0",
			"endpoints": []string{
				"POST /v1/run",
				"POST /v1/tasks",
				"POST /v1/chat/completions",
				"POST /v1/messages",
				"GET /v1/models",
				"GET /health",
			},
		})
	})

	// Management API routes. If the management key is empty, do not expose
	// any management endpoint (404).
	if s.cfg.RemoteManagement.SecretKey != "" {
		mgmt := s.engine.Group("/v0/management")
		mgmt.Use(s.mgmt.Middleware())
		{
			mgmt.GET("/config", s.mgmt.GetConfig)

			mgmt.GET("/debug", s.mgmt.GetDebug)
			mgmt.PUT("/debug", s.mgmt.PutDebug)
			mgmt.PATCH("/debug", s.mgmt.PutDebug)

			mgmt.GET("/default-model", s.mgmt.GetDefaultModel)
			mgmt.PUT("/default-model", s.mgmt.PutDefaultModel)
			mgmt.PATCH("/default-model", s.mgmt.PutDefaultModel)
			mgmt.DELETE("/default-model", s.mgmt.DeleteDefaultModel)

			mgmt.GET("/default-workspace-dir", s.mgmt.GetDefaultWorkspaceDir)
			mgmt.PUT("/default-workspace-dir", s.mgmt.PutDefaultWorkspaceDir)
			mgmt.PATCH("/default-workspace-dir", s.mgmt.PutDefaultWorkspaceDir)
			mgmt.DELETE("/default-workspace-dir", s.mgmt.DeleteDefaultWorkspaceDir)

			mgmt.GET("/request-log", s.mgmt.GetRequestLog)
			mgmt.PUT("/request-log", s.mgmt.PutRequestLog)
			mgmt.PATCH("/request-log", s.mgmt.PutRequestLog)

			mgmt.GET("/api-keys", s.mgmt.GetAPIKeys)
			mgmt.PUT("/api-keys", s.mgmt.PutAPIKeys)
			mgmt.PATCH("/api-keys", s.mgmt.PatchAPIKeys)
			mgmt.DELETE("/api-keys", s.mgmt.DeleteAPIKeys)

			mgmt.GET("/usage", s.mgmt.GetUsage)

			mgmt.GET("/pool", s.mgmt.GetPool)
			mgmt.POST("/pool/pause", s.mgmt.PausePool)
			mgmt.POST("/pool/resume", s.mgmt.ResumePool)
		}
	}
}

// healthHandler reports pool occupancy and session count. It returns 503 when
// the queue is close to full so probes steer traffic away before admission
// starts failing.
func (s *Server) healthHandler(c *gin.Context) {
	sessions, err := s.base.Sessions.Count(c.Request.Context())
	if err != nil {
		log.Warnf("health: failed to count sessions: %v", err)
	}

	status := http.StatusOK
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"pool":           s.base.Pool.Stats(),
		"sessions":       sessions,
	}
	if !s.base.Pool.Healthy() {
		status = http.StatusServiceUnavailable
		body["status"] = "overloaded"
	}
	c.JSON(status, body)
}

// modelsHandler picks the catalog shape by caller: clients identifying as the
// Claude CLI get the Anthropic list format, everyone else the OpenAI one.
func (s *Server) modelsHandler(openaiList, claudeList gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
			claudeList(c)
			return
		}
		openaiList(c)
	}
}

// Start serves HTTP until the listener fails or Stop is called. It blocks.
func (s *Server) Start() error {
	log.Debugf("API server listening on %s", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down. The context
// bounds how long draining may take.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	log.Debug("API server stopped")
	return nil
}

// cors allows cross-origin requests on every route and short-circuits
// preflight OPTIONS.
func cors() gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Origin", "Content-Type", "Content-Length", "Accept-Encoding",
		"X-CSRF-Token", "Authorization", "X-Api-Key", "X-Management-Key",
	}, ", ")

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// UpdateConfig applies a reloaded configuration. The base handler swap makes
// the new values visible to every handler and to the auth middleware; the
// request logger and log level are toggled here because they live outside the
// handler core.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging toggled to %t", cfg.RequestLog)
	}

	if s.cfg.Debug != cfg.Debug {
		logging.SetLevel(cfg.Debug)
		log.Debugf("debug mode toggled to %t", cfg.Debug)
	}

	if s.cfg.LoggingToFile != cfg.LoggingToFile {
		if err := logging.ConfigureOutput(cfg.LoggingToFile); err != nil {
			log.Warnf("failed to switch log output: %v", err)
		}
	}

	s.cfg = cfg
	s.base.UpdateConfig(cfg)

	log.Infof("server configuration updated: %d API keys", len(cfg.APIKeys))
}

// AuthMiddleware guards the /v1 surface with the configured API keys. An
// empty key list disables authentication. The list is read through the
// handler core on every request so config reloads and management edits take
// effect immediately. The matched key is stored on the context; handlers use
// it as the session owner credential.
func AuthMiddleware(base *handlers.BaseAPIHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := base.Cfg

		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		presented := presentedKeys(c)
		if len(presented) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
			})
			return
		}

		for _, configured := range cfg.APIKeys {
			for _, candidate := range presented {
				if candidate == configured {
					c.Set("apiKey", configured)
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid API key",
		})
	}
}

// presentedKeys collects every credential the request carries: a bearer or
// raw Authorization header, the Anthropic-style X-Api-Key header, and the
// ?key= query parameter.
func presentedKeys(c *gin.Context) []string {
	var keys []string

	if auth := c.GetHeader("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
			keys = append(keys, strings.TrimSpace(token))
		} else {
			keys = append(keys, auth)
		}
	}
	if anthropic := c.GetHeader("X-Api-Key"); anthropic != "" {
		keys = append(keys, anthropic)
	}
	if query, ok := c.GetQuery("key"); ok && query != "" {
		keys = append(keys, query)
	}

	return keys
}
