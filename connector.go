package cdcsink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/snapflowio/cdcsink/checkpoint"
	"github.com/snapflowio/cdcsink/config"
	"github.com/snapflowio/cdcsink/internal/offset"
	"github.com/snapflowio/cdcsink/logger"
	"github.com/snapflowio/cdcsink/message/format"
	"github.com/snapflowio/cdcsink/metrics"
	"github.com/snapflowio/cdcsink/pipeline"
	"github.com/snapflowio/cdcsink/schema"
	"github.com/snapflowio/cdcsink/sink"
	"github.com/snapflowio/cdcsink/storage"
	"github.com/snapflowio/cdcsink/stream"
)

type Connector interface {
	// Start runs the pipeline until ctx is cancelled, a shutdown signal
	// arrives or Close is called. The error is non-nil if any sink failed.
	Start(ctx context.Context) (pipeline.Result, error)
	Close()
	GetConfig() *config.Config
	States() map[string]pipeline.State
}

type connector struct {
	// Configuration and dependencies
	cfg    *config.Config
	runner *pipeline.Runner

	// Stores and servers
	checkpoints   checkpoint.Store
	registry      *prometheus.Registry
	metricsServer *http.Server

	// Channels
	cancelCh chan os.Signal
	stopCh   chan struct{}

	// Synchronization (always last)
	closeOnce sync.Once
}

func NewConnector(ctx context.Context, cfg config.Config) (Connector, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.Print()

	logger.SetLevel(cfg.Logger.LogLevel())
	logger.SetFormatter(logger.ParseFormatter(cfg.Logger.Format))

	s, err := schema.LoadFile(cfg.Schema.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("schema loaded", "path", cfg.Schema.Path, "columns", s.Names())

	s3 := storage.S3Config(cfg.Storage.S3)

	output, err := storage.Open(cfg.Storage.Output, s3)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	checkpoints, err := checkpoint.Open(ctx, cfg.Checkpoint.Location, s3)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	writer, err := sink.NewDualWriter(s, output, checkpoints, sink.DualOptions{
		CSV:                format.CSVOptions{Header: cfg.Format.CSVHeader, Gzip: cfg.Format.CSVGzip},
		ParquetCompression: cfg.Format.ParquetCompression,
		Retry: sink.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay,
			MaxDelay: cfg.Retry.MaxDelay,
		},
	})
	if err != nil {
		_ = checkpoints.Close()
		return nil, fmt.Errorf("create writer: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kafkaCfg := stream.KafkaConfig(cfg.Kafka)
	sources := func(ctx context.Context, sinkID string, from offset.Offsets) (stream.Source, error) {
		return stream.OpenKafka(ctx, kafkaCfg, sinkID, from)
	}

	runner, err := pipeline.NewRunner(s, writer, sources, metrics.New(registry), pipeline.Options{
		BatchMaxRecords:  cfg.Batch.MaxRecords,
		BatchWindow:      cfg.Batch.Window,
		DecodeErrorRate:  cfg.Decode.ErrorRate,
		DecodeErrorBurst: cfg.Decode.ErrorBurst,
	})
	if err != nil {
		_ = checkpoints.Close()
		return nil, fmt.Errorf("create runner: %w", err)
	}

	return &connector{
		cfg:         &cfg,
		runner:      runner,
		checkpoints: checkpoints,
		registry:    registry,
		cancelCh:    make(chan os.Signal, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

func (c *connector) Start(ctx context.Context) (pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(c.cancelCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c.cancelCh)

	go func() {
		select {
		case sig := <-c.cancelCh:
			logger.Info("shutdown signal received, draining", "signal", sig.String())
			cancel()
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.serveMetrics()

	logger.Info("pipeline starting", "topic", c.cfg.Kafka.Topic, "output", c.cfg.Storage.Output)
	result, err := c.runner.Run(ctx)
	if err != nil {
		logger.Error("pipeline stopped with failed sinks", "failed", result.Failed(), "error", err)
		return result, err
	}

	logger.Info("pipeline stopped cleanly")
	return result, nil
}

func (c *connector) serveMetrics() {
	if c.cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(c.registry))
	c.metricsServer = &http.Server{
		Addr:              c.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", c.cfg.Metrics.Addr)
		if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (c *connector) States() map[string]pipeline.State {
	return c.runner.States()
}

func (c *connector) GetConfig() *config.Config {
	return c.cfg
}

func (c *connector) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Debug("[connector] closing connector")

		close(c.stopCh)

		if c.metricsServer != nil {
			if err := c.metricsServer.Shutdown(ctx); err != nil {
				logger.Warn("[connector] metrics server shutdown", "error", err)
			}
		}

		if err := c.checkpoints.Close(); err != nil {
			logger.Warn("[connector] checkpoint store close", "error", err)
		}

		logger.Info("[connector] connector closed successfully")
	})
}
