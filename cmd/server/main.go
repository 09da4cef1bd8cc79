package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/camwatch/zonewatch/internal/cameras"
	"github.com/camwatch/zonewatch/internal/config"
	"github.com/camwatch/zonewatch/internal/detect"
	"github.com/camwatch/zonewatch/internal/ingest"
	"github.com/camwatch/zonewatch/internal/logger"
	"github.com/camwatch/zonewatch/internal/metrics"
	"github.com/camwatch/zonewatch/internal/server"
	"github.com/camwatch/zonewatch/internal/session"
)

var (
	// Command-line flags override the environment configuration
	httpAddr  = flag.String("http", "", "HTTP server address (overrides ZONEWATCH_ADDR)")
	pprofAddr = flag.String("pprof", "", "pprof server address (empty to disable)")
	sourceURL = flag.String("source", "", "Register a camera for this source URL at startup")
	ownerID   = flag.String("owner", "local", "Owner id for the -source camera")
	logLevel  = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor  = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *httpAddr != "" {
		cfg.Addr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "zonewatch server starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := cameras.Open(filepath.Join(cfg.DataDir, "cameras.json"))
	if err != nil {
		log.Fatalf("Failed to open camera store: %v", err)
	}

	if *sourceURL != "" {
		rec, err := store.Add(*ownerID, *sourceURL)
		if err != nil {
			log.Fatalf("Failed to register camera: %v", err)
		}
		logger.Info("Main", "Registered camera %s for %s", rec.CameraID, rec.SourceURL)
	}

	classes := cfg.Detector.Classes
	if len(classes) == 0 {
		classes = detect.DefaultVehicleClasses()
	}
	detector := detect.NewHTTPDetector(cfg.Detector.Endpoint, cfg.Detector.Timeout)
	pipeline := detect.NewPipeline(detector, classes, cfg.Detector.MinConfidence)

	m := metrics.New()
	registry := session.NewRegistry(store, pipeline, m, session.Config{
		DataDir: cfg.DataDir,
		Ingest: ingest.Config{
			ConnectAttempts: cfg.Ingest.ConnectAttempts,
			BackoffBase:     cfg.Ingest.BackoffBase,
			BackoffMax:      cfg.Ingest.BackoffMax,
		},
		IdleTimeout:  cfg.Session.IdleTimeout,
		ReapInterval: cfg.Session.ReapInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.StartReaper(ctx)

	srv := server.New(store, registry, m, cfg.DataDir)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: m.Handler(),
	}

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Metrics server on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "HTTP server on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	cancel()
	registry.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "Metrics shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}
