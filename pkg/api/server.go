// Package api exposes the HTTP surface: scene generation, session status
// and listing, artifact downloads, the websocket event stream, health, and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sceneweaver/sceneweaver/pkg/agent"
	"github.com/sceneweaver/sceneweaver/pkg/config"
	"github.com/sceneweaver/sceneweaver/pkg/events"
	"github.com/sceneweaver/sceneweaver/pkg/session"
	"github.com/sceneweaver/sceneweaver/pkg/store"
	"github.com/sceneweaver/sceneweaver/pkg/version"
)

// Server is the HTTP front end.
type Server struct {
	ctrl    *session.Controller
	runtime *agent.Runtime
	hub     *events.Hub
	store   *store.Store
	cfg     *config.Config

	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(ctrl *session.Controller, runtime *agent.Runtime, hub *events.Hub, st *store.Store, cfg *config.Config) *Server {
	s := &Server{ctrl: ctrl, runtime: runtime, hub: hub, store: st, cfg: cfg}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.POST("/generate", s.handleGenerate)
	router.GET("/session/:id", s.handleSession)
	router.GET("/sessions", s.handleSessions)
	router.POST("/session/:id/cancel", s.handleCancel)
	router.GET("/download/:id/:kind", s.handleDownload)
	router.GET("/ws", events.ServeWS(hub))
	router.GET("/healthz", s.handleHealthz)
	router.GET("/system/agents", s.handleAgents)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // downloads and websockets manage their own deadlines
	}
	return s
}

// Handler returns the root HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr, "version", version.Full())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger is a minimal structured access log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
