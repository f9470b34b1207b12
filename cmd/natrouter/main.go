package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"natrouter/pkg/config"
	"natrouter/pkg/link"
	"natrouter/pkg/metrics"
)

var (
	ConfigPath    = flag.String("config", "/etc/natrouter/natrouter.toml", "Path of the TOML configuration file")
	LogLevel      = flag.String("log-level", "", "Overrides the configured log level (debug, info, warn, error)")
	AutoConfigure = flag.Bool("auto-configure", true, "Whether to bring the TUN devices up and assign their addresses with ip(8)")
	Sample        = flag.Bool("sample", false, "Print a sample configuration and exit")
)

func main() {
	flag.Parse()

	if *Sample {
		if err := config.Sample(os.Stdout); err != nil {
			fmt.Println("Error writing sample configuration:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*ConfigPath)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(2)
	}
	if *LogLevel != "" {
		cfg.Logging.Level = *LogLevel
	}
	level, err := cfg.Logging.ParseLevel()
	if err != nil {
		fmt.Println("Invalid log level:", err)
		os.Exit(2)
	}

	// Set up logger
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logConfig.Encoding = "console"

	logger, err := logConfig.Build()
	if err != nil {
		fmt.Println("Error creating logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	newLink := func(options link.Options) (*link.TUN, error) {
		return link.NewTUN(options, logger.Named("link"))
	}
	n, err := newNode(cfg, *AutoConfigure, []metrics.Option{metrics.WithRegistry(registry)}, newLink, logger)
	if err != nil {
		logger.Fatal("Error building router", zap.Error(err))
	}
	if err := n.start(ctx, cfg.Routes); err != nil {
		logger.Fatal("Error starting router", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.run(ctx)
	})
	if cfg.Metrics.Prometheus != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Prometheus, registry, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Router encountered an error, shutting down", zap.Error(err))
	}

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer teardownCancel()
	if err := n.stop(teardownCtx); err != nil {
		logger.Fatal("Error tearing down interfaces", zap.Error(err))
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	}
	return nil
}
