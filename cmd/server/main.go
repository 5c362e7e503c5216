package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/config"
	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/server"
)

func main() {
	var (
		port       = flag.String("port", "", "HTTP port (overrides config)")
		configPath = flag.String("config", "", "path to TOML config file")
		dataPath   = flag.String("data", "", "session store path (overrides config)")
	)
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logging.NewDefault().Fatal("failed to load config", zap.Error(err))
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dataPath != "" {
		cfg.Persist.Path = *dataPath
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logging.NewDefault().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-done:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	}

	if err := srv.Close(); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
