// Package server wires the session core together and exposes it over HTTP
// and WebSocket: REST endpoints for the host shell, /stream for the panel
// renderer, and /metrics for Prometheus.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/agent"
	"github.com/muxpanel/muxpanel/internal/buffer"
	"github.com/muxpanel/muxpanel/internal/config"
	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/monitoring"
	"github.com/muxpanel/muxpanel/internal/persist"
	"github.com/muxpanel/muxpanel/internal/pty"
	"github.com/muxpanel/muxpanel/internal/registry"
	"github.com/muxpanel/muxpanel/internal/store"
	"github.com/muxpanel/muxpanel/internal/watchdog"
	"github.com/muxpanel/muxpanel/internal/ws"
)

// Server hosts the session core.
type Server struct {
	cfg         *config.Config
	logger      *logging.Logger
	registry    *registry.Registry
	persistence *persist.Persistence
	store       store.Store
	wsHandler   *ws.Handler
	httpServer  *http.Server
}

// New builds the full component graph from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	metrics := monitoring.New()

	kv, err := store.NewSQLiteStore(cfg.Persist.Path, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	// The ws handler doubles as the registry's panel sink, so it is
	// created first and bound to the registry afterwards.
	wsHandler := ws.NewHandler(metrics, logger.Named("ws"))

	reg := registry.New(registry.Config{
		MaxSessions:     cfg.Sessions.Max,
		MinSessions:     cfg.Sessions.Min,
		ProtectLast:     cfg.Sessions.ProtectLast,
		ScrollbackLimit: cfg.Sessions.ScrollbackLimit,
		Buffer: buffer.Config{
			LargeChunk:         cfg.Buffer.LargeChunk,
			Capacity:           cfg.Buffer.Capacity,
			ModerateChunk:      cfg.Buffer.ModerateChunk,
			HighFrequency:      cfg.Buffer.HighFrequency,
			AgentDelay:         4 * time.Millisecond,
			HighFrequencyDelay: 8 * time.Millisecond,
			DefaultDelay:       16 * time.Millisecond,
		},
		Watchdog: watchdog.Config{
			Ack:    watchdog.Options{Timeout: cfg.Watchdog.AckTimeout.Std(), MaxAttempts: cfg.Watchdog.AckAttempts},
			Prompt: watchdog.Options{Timeout: cfg.Watchdog.PromptTimeout.Std(), MaxAttempts: cfg.Watchdog.PromptAttempts},
		},
	}, pty.NewLocalFactory(logger.Named("pty")), wsHandler, agent.NewPatternMatcher(), metrics, logger.Named("registry"))

	persistence := persist.New(persist.Config{
		ExpiryWindow:     cfg.Persist.ExpiryWindow.Std(),
		ScrollbackLimit:  cfg.Sessions.ScrollbackLimit,
		SettleDelay:      cfg.Persist.SettleDelay.Std(),
		AutosaveInterval: cfg.Persist.AutosaveInterval.Std(),
	}, kv, reg, wsHandler, metrics, logger.Named("persist"))

	wsHandler.Bind(reg, persistence)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		persistence: persistence,
		store:       kv,
		wsHandler:   wsHandler,
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	if cfg.RateLimit.Enabled {
		router.Use(rateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/sessions", s.handleListSessions)
	router.POST("/sessions", s.handleCreateSession)
	router.DELETE("/sessions/:id", s.handleDeleteSession)
	router.POST("/sessions/:id/activate", s.handleActivateSession)
	router.POST("/sessions/save", s.handleSaveSessions)
	router.POST("/sessions/restore", s.handleRestoreSessions)

	router.GET("/stream", wsHandler.HandleConnection)

	s.httpServer = &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}
	return s, nil
}

// Run restores persisted sessions, marks the host ready, and serves until
// the listener fails or the server is closed.
func (s *Server) Run() error {
	restored := s.persistence.RestoreOrFresh()
	s.logger.Info("sessions ready",
		zap.Int("restored", len(restored.SessionIDs)),
		zap.Int("active", restored.ActiveID))

	// Queued ack watchdogs start only now that the host is initialized.
	s.registry.HostReady()
	s.persistence.StartAutosave()

	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close performs a final save and tears everything down: autosave stops,
// clients disconnect, session timers cancel and buffers flush, terminals
// die, and the store closes.
func (s *Server) Close() error {
	s.persistence.StopAutosave()
	if err := s.persistence.Save(); err != nil {
		s.logger.Warn("final session save failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown failed", zap.Error(err))
	}

	s.wsHandler.Close()
	if err := s.registry.Close(); err != nil {
		s.logger.Warn("registry close failed", zap.Error(err))
	}
	return s.store.Close()
}
