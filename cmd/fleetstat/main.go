package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/config"
	"fleetstat/internal/node"
	"fleetstat/internal/notifier"
	"fleetstat/internal/registry"
	"fleetstat/internal/stats"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logrus.New()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.ConfigureLogger(log)

	reg := registry.New(cfg.Hosts, cfg.Groups)
	if n, err := stats.LoadBaselines(cfg.StatsFile, reg, log); err != nil {
		log.WithError(err).Warn("Failed to restore network baselines")
	} else if n > 0 {
		log.WithField("hosts", n).Info("Restored network baselines")
	}

	metrics := stats.NewMetrics(prometheus.DefaultRegisterer)

	sinks, err := notifier.BuildSinks(cfg.Notify, log)
	if err != nil {
		log.Fatalf("Failed to create notifiers: %v", err)
	}
	dispatcher := notifier.NewDispatcher(log, metrics.SinkFailures, sinks...)
	defer dispatcher.Close()

	engine, err := stats.New(reg, dispatcher, stats.Options{
		OfflineThreshold: cfg.OfflineThreshold,
		NotifyInterval:   cfg.NotifyInterval,
		GroupGC:          cfg.GroupGC,
		SaveInterval:     cfg.SaveInterval,
		TickInterval:     cfg.TickInterval,
		QueueSize:        cfg.QueueSize,
		StatsFile:        cfg.StatsFile,
		MinAgentVersion:  cfg.MinAgentVersion,
		Logger:           log,
		Metrics:          metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create stats engine: %v", err)
	}

	server := node.NewNode(engine, prometheus.DefaultGatherer, metrics, node.Options{
		Addr:            cfg.HTTPAddr,
		AdminUser:       cfg.AdminUser,
		AdminPass:       cfg.AdminPass,
		MaxAuthFailures: cfg.AuthMaxFailures,
		BlockDuration:   cfg.AuthBlockDuration,
	}, log)

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx)
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Failed to start http server: %v", err)
	}

	log.WithFields(logrus.Fields{
		"hosts":  len(cfg.Hosts),
		"groups": len(cfg.Groups),
		"sinks":  len(sinks),
	}).Info("fleetstat running")

	// Wait for shutdown signal
	engineStopped := false
	select {
	case <-sigChan:
	case err := <-engineDone:
		engineStopped = true
		log.WithError(err).Error("Stats engine exited")
	}
	log.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
	cancel()
	if !engineStopped {
		<-engineDone
	}
}
