// Package api exposes the HTTP surface: the overlay and dashboard
// WebSockets, the transcription ingest endpoint, and the REST routes
// that double as the fleet RPC transport between nodes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zelan-stream/zelan/pkg/channel"
	"github.com/zelan-stream/zelan/pkg/eventlog"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/orchestrator"
	"github.com/zelan-stream/zelan/pkg/sources"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

// Deps collects the components the server fronts. Store is optional;
// everything else is required.
type Deps struct {
	Node        string
	Orch        *orchestrator.Orchestrator
	Sup         *supervisor.Supervisor
	Router      *fleet.Router
	Channel     *channel.Manager
	Transcriber *sources.Transcriber
	Store       *eventlog.Store
}

// Server is the gin HTTP server for one node.
type Server struct {
	deps    Deps
	engine  *gin.Engine
	logger  *slog.Logger
	started time.Time
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(), recovery())

	s := &Server{
		deps:    deps,
		engine:  engine,
		logger:  slog.With("component", "api", "node", deps.Node),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the port until the context is cancelled, then shuts down
// gracefully. A failed bind is returned immediately.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("HTTP server listening", "port", port)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/socket", s.handleSocket)
	s.engine.GET("/control", s.handleControl)
	s.engine.GET("/ingest/audio", s.handleAudioIngest)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/state", s.handleState)
		v1.POST("/alerts", s.handlePushAlert)
		v1.DELETE("/alerts/:id", s.handleClearAlert)

		v1.POST("/processes", s.handleAddProcess)
		v1.GET("/processes", s.handleListProcesses)
		v1.GET("/processes/:id", s.handleProcessStatus)
		v1.POST("/processes/:id/start", s.handleStartProcess)
		v1.POST("/processes/:id/stop", s.handleStopProcess)
		v1.DELETE("/processes/:id", s.handleRemoveProcess)

		v1.GET("/cluster/status", s.handleClusterStatus)
		v1.GET("/events", s.handleRecentEvents)
	}
}
