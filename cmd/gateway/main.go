package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/collector"
	"github.com/kuretru/mPower-Gateway/internal/database"
	"github.com/kuretru/mPower-Gateway/internal/metric"
	"github.com/kuretru/mPower-Gateway/internal/publisher"
)

type Config struct {
	Log       *entity.LogConfig       `yaml:"log"`
	Metrics   *entity.MetricsConfig   `yaml:"metrics"`
	Collector *entity.CollectorConfig `yaml:"collector"`
	Publisher *entity.PublisherConfig `yaml:"publisher"`
}

func (config *Config) Validate() error {
	if config.Collector == nil {
		return fmt.Errorf("collector section is required")
	}
	if config.Publisher == nil {
		config.Publisher = &entity.PublisherConfig{Type: "log"}
	}
	if config.Log == nil {
		config.Log = &entity.LogConfig{}
	}
	if _, err := collector.Targets(config.Collector); err != nil {
		return err
	}
	return nil
}

func main() {
	configFilePath := flag.String("config", "./configs/gateway.yaml", "Config file path")
	flag.Parse()
	if *configFilePath == "" {
		_, _ = fmt.Fprintf(os.Stderr, "Config file not provide")
		os.Exit(2)
	}
	config, err := loadConfig(*configFilePath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(3)
	}
	slog.SetDefault(newLogger(config.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, metrics, err := metric.NewRegistry()
	if err != nil {
		slog.Error("Gateway: register metrics failed", "err", err)
		os.Exit(1)
	}
	metricsServer := startMetricsServer(config.Metrics, metric.Handler(registry))

	db := database.New()
	pub, err := publisher.New(config.Publisher, db)
	if err != nil {
		slog.Error("Gateway: create publisher failed", "err", err)
		os.Exit(1)
	}
	pool, err := collector.Init(ctx, config.Collector, pub, metrics)
	if err != nil {
		slog.Error("Gateway: init collector failed", "err", err)
		os.Exit(1)
	}
	if err = pub.Run(ctx, config.Publisher, pool); err != nil {
		slog.Error("Gateway: run publisher failed", "err", err)
		pool.Stop()
		os.Exit(1)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-reload:
			reloadDevices(*configFilePath, pool)
		}
	}
	slog.Info("Gateway: received shutdown signal, exiting gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool.Stop()
	pub.Stop(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// reloadDevices re-reads the config file and reconciles the device list.
// Collector timing and publisher settings only change on restart.
func reloadDevices(path string, pool *collector.Pool) {
	config, err := loadConfig(path)
	if err != nil {
		slog.Error("Gateway: reload config failed, keeping current devices", "err", err)
		return
	}
	targets, err := collector.Targets(config.Collector)
	if err != nil {
		slog.Error("Gateway: reload config failed, keeping current devices", "err", err)
		return
	}
	pool.Reconcile(targets)
	slog.Info("Gateway: config reloaded", "devices", len(targets))
}

func loadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not exist: %v", path)
		}
		return nil, fmt.Errorf("stat config file failed, %v", err)
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed, %v", err)
	}
	var config Config
	if err = yaml.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config file failed, %v", err)
	}
	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}
	return &config, nil
}

func newLogger(config *entity.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	options := &slog.HandlerOptions{Level: level}
	if strings.ToLower(config.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func startMetricsServer(config *entity.MetricsConfig, handler http.Handler) *http.Server {
	if config == nil || config.Listen == "" {
		return nil
	}
	path := config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := &http.Server{
		Addr:              config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Gateway: metrics server failed", "err", err)
		}
	}()
	slog.Info("Gateway: serving metrics", "listen", config.Listen, "path", path)
	return server
}
