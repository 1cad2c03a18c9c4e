package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpapi "github.com/explorehub/explorehub/internal/api/http"
	"github.com/explorehub/explorehub/internal/application/session"
	"github.com/explorehub/explorehub/internal/config"
	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/infrastructure/metrics"
	"github.com/explorehub/explorehub/internal/infrastructure/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(registry)

	hub := ws.NewHub(logger, collector)
	sessionSvc := session.NewService(session.Config{
		DefaultMaxParticipants: cfg.MaxParticipants,
		DefaultStrategy:        collab.ResolutionStrategy(cfg.ConflictStrategy),
		AnnotationLimit:        cfg.AnnotationLimit,
		IdleTimeout:            cfg.SessionIdleTimeout,
	}, hub, logger, collector)
	hub.Bind(sessionSvc)

	apiServer := httpapi.NewServer(sessionSvc, hub, registry)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// background loops
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := sessionSvc.CleanupIdle(time.Now()); n > 0 {
				logger.Info().Int("sessions", n).Msg("idle sessions cleaned up")
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	hub.Stop()
	sessionSvc.Close()
}
