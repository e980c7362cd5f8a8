package ipc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/coordinator"
	"github.com/aosanya/apc/internal/eventbus"
)

// ServerConfig holds IPC server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Environment  string
}

// Server exposes the coordinator over the message endpoint and the
// WebSocket event stream.
type Server struct {
	router *gin.Engine
	server *http.Server
	config ServerConfig

	coord  *coordinator.Coordinator
	pool   *agent.Pool
	events *eventbus.Bus

	metricsHandler http.Handler
	hub            *wsHub
}

// NewServer creates the IPC server. metricsHandler may be nil to disable
// the /metrics route.
func NewServer(config ServerConfig, coord *coordinator.Coordinator, pool *agent.Pool, events *eventbus.Bus, metricsHandler http.Handler) *Server {
	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	s := &Server{
		router:         router,
		config:         config,
		coord:          coord,
		pool:           pool,
		events:         events,
		metricsHandler: metricsHandler,
		hub:            newWSHub(events),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestIDMiddleware())
	s.router.Use(loggingMiddleware())
	s.router.Use(corsMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	if s.metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/message", s.handleMessage)
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Start starts the HTTP server and the WebSocket broadcast pump.
func (s *Server) Start() error {
	log.WithFields(log.Fields{
		"host": s.config.Host,
		"port": s.config.Port,
	}).Info("starting IPC server")
	s.hub.start()
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("stopping IPC server")
	s.hub.stop()
	return s.server.Shutdown(ctx)
}

// Router returns the gin router for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"pool":      s.pool.Status(),
	})
}

// handleMessage is the request/response half of the IPC surface: one
// Request envelope in, one Response envelope out, correlated on the
// client-chosen id.
func (s *Server) handleMessage(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   &ErrorInfo{Code: ErrCodeValidation, Message: "malformed request envelope: " + err.Error()},
		})
		return
	}
	resp := s.dispatch(&req)
	status := http.StatusOK
	if !resp.Success && resp.Error != nil && resp.Error.Code == ErrCodeValidation {
		status = http.StatusBadRequest
	}
	c.JSON(status, resp)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("HTTP request completed")
		case c.Writer.Status() >= 400:
			entry.Warn("HTTP request completed")
		default:
			entry.Info("HTTP request completed")
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", c.Request.Header.Get("Origin"))
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept-Encoding, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
