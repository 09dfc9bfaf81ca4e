package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/helpdesk-tools/freescout-sensors/internal/config"
	"github.com/helpdesk-tools/freescout-sensors/internal/database"
	"github.com/helpdesk-tools/freescout-sensors/internal/freescout"
	"github.com/helpdesk-tools/freescout-sensors/internal/poller"
	"github.com/helpdesk-tools/freescout-sensors/internal/publish"
	"github.com/helpdesk-tools/freescout-sensors/internal/scheduler"
	"github.com/helpdesk-tools/freescout-sensors/internal/sensors"
	"github.com/helpdesk-tools/freescout-sensors/internal/server"
	"github.com/helpdesk-tools/freescout-sensors/internal/state"
)

// Command freescout-sensors polls a Freescout help desk instance and
// publishes derived sensor values for automation systems.
//
// Each poll cycle fetches ticket counts, folder counts, and the recent
// conversation snapshot, then publishes:
//   - Prometheus gauges on /metrics
//   - a JSON snapshot on /api/v1/sensors
//   - optional reading history to Postgres
//
// Usage:
//
//	freescout-sensors [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := freescout.NewClient(
		cfg.Freescout.BaseURL,
		cfg.Freescout.APIKey,
		cfg.Poll.RequestsPerSecond,
		cfg.Poll.RequestBurst,
		logger,
	)

	store := state.NewStore()
	fanout := publish.NewFanout(logger,
		publish.NewPrometheusSink(registry),
		publish.NewLogSink(logger),
	)

	var history database.ReadingRepository
	if cfg.HistoryEnabled() {
		connStr := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Name,
			cfg.Database.SSLMode,
		)
		repo, err := database.NewPostgresRepo(connStr)
		if err != nil {
			logger.Fatalf("Failed to connect to history database: %v", err)
		}
		history = repo
		logger.Info("reading history enabled")
	}

	// Sized several snapshot pages above the per-cycle fetch so LRU
	// eviction cannot re-surface old conversation IDs as new.
	tracker, err := sensors.NewTracker(cfg.Poll.RecentPageSize * 20)
	if err != nil {
		logger.Fatalf("Failed to create conversation tracker: %v", err)
	}

	customSensors := make([]sensors.CustomSpec, 0, len(cfg.Sensors.Custom))
	for _, s := range cfg.Sensors.Custom {
		customSensors = append(customSensors, sensors.CustomSpec{
			Name:       s.Name,
			Status:     s.Status,
			Unassigned: s.Unassigned,
			AssigneeID: s.AssigneeID,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := poller.New(client, store, fanout, tracker, logger, poller.NewMetrics(registry), poller.Options{
		AgentID:        cfg.Freescout.AgentID,
		MailboxIDs:     cfg.Freescout.MailboxIDs,
		RecentPageSize: cfg.Poll.RecentPageSize,
		Timeout:        cfg.PollTimeout(),
		CustomSensors:  customSensors,
		History:        history,
	})

	sched := scheduler.New(ctx, cfg.PollInterval(), p.Run, logger)

	srv := server.New(store, server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, registry, logger)

	if err := srv.Start(ctx); err != nil {
		logger.Fatalf("Failed to start HTTP server: %v", err)
	}
	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"freescout_url": cfg.Freescout.BaseURL,
		"interval":      cfg.PollInterval().String(),
		"port":          cfg.Server.Port,
	}).Info("freescout sensor poller started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("shutting down")

	// Cancelling the context aborts any in-flight poll and stops the
	// HTTP server; Stop waits for the running poll to return.
	cancel()
	sched.Stop()
	if history != nil {
		history.Close()
	}
	logger.Info("stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
