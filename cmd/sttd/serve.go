package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/speechrnt/sttcore/pkg/engine"
	"github.com/speechrnt/sttcore/pkg/health"
	"github.com/speechrnt/sttcore/pkg/recovery"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load a model and serve the health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logger := newLogger()

	v := newViper()
	cfg, err := loadConfig(v, cfgFile)
	if err != nil {
		return err
	}

	level, err := parseQuantizationLevel(cfg.Quantization)
	if err != nil {
		return err
	}

	engCfg := engine.DefaultConfig()
	engCfg.Logger = logger
	engCfg.Workers = cfg.Workers
	engCfg.Policy.ConfidenceThreshold = cfg.ConfidenceThreshold
	engCfg.Health.HealthCheckInterval = cfg.HealthCheckInterval
	engCfg.Health.ResourceCheckInterval = cfg.ResourceCheckInterval
	engCfg.Health.AlertCooldown = cfg.AlertCooldown
	engCfg.Recovery = recovery.Config{
		MaxRetryAttempts:           cfg.MaxRetryAttempts,
		InitialBackoff:             cfg.InitialBackoff,
		MaxBackoff:                 cfg.MaxBackoff,
		BackoffMultiplier:          2.0,
		EnableGPUFallback:          cfg.EnableGPUFallback,
		EnableQuantizationFallback: cfg.EnableQuantFallback,
		EnableBufferClear:          true,
		RecoveryTimeout:            5 * time.Second,
	}

	e := engine.New(engCfg)
	defer e.Close()

	var initErr error
	switch {
	case cfg.UseGPU && level == 0:
		initErr = e.InitializeWithGPU(cfg.ModelPath, cfg.GPUDeviceID, cfg.Threads)
	case cfg.UseGPU:
		initErr = e.InitializeWithQuantizationGPU(cfg.ModelPath, level, cfg.GPUDeviceID, cfg.Threads)
	case level == 0:
		initErr = e.Initialize(cfg.ModelPath, cfg.Threads)
	default:
		initErr = e.InitializeWithQuantization(cfg.ModelPath, level, cfg.Threads)
	}
	if initErr != nil {
		return fmt.Errorf("%w: %v", errInitializeFailed, initErr)
	}
	logger.Info("model loaded", "path", cfg.ModelPath, "quantization", cfg.Quantization, "gpu", cfg.UseGPU)

	e.Health().StartBackground()
	e.SetOnAlert(func(a health.Alert) {
		logger.Warn("health alert", "component", a.Component, "severity", a.Severity, "message", a.Message)
	})

	hs := newHealthServer(e.Health())
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Get("/health", hs.handleHealth)
	r.Get("/health/detailed", hs.handleHealthDetailed)
	r.Get("/health/metrics", hs.handleMetrics)
	r.Get("/health/history", hs.handleHistory)
	r.Get("/health/alerts", hs.handleAlerts)
	r.Get("/health/stream", hs.handleHealthStream)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving health endpoints", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("%w: %v", errRuntimeFailed, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%w: %v", errRuntimeFailed, err)
	}
	e.StopAll()
	return nil
}
