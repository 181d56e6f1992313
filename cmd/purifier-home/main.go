package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/device"
	"purifier-go-home/internal/discovery"
	"purifier-go-home/internal/homekit"
	"purifier-go-home/internal/metrics"
	"purifier-go-home/internal/mirror"
	"purifier-go-home/internal/simulator"
	"purifier-go-home/internal/store"
	"purifier-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// errInvalidConfig marks configuration errors. They are fatal and never
// retried.
var errInvalidConfig = errors.New("invalid config")

// simulatorDrift is how often the built-in simulator moves its sensor
// readings.
const simulatorDrift = 30 * time.Second

type Config struct {
	Name   string `yaml:"name"`
	Device struct {
		Address       string        `yaml:"address"`
		Token         string        `yaml:"token"`
		ID            string        `yaml:"id"`
		Discover      bool          `yaml:"discover"`
		Interface     string        `yaml:"interface"` // mDNS interface, empty = all
		Transport     string        `yaml:"transport"` // "simulator"
		Model         string        `yaml:"model"`     // simulated model
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"device"`
	Features mirror.Features `yaml:"features"`
	Names    accessory.Names `yaml:"names"`
	Info     accessory.Info  `yaml:"info"`
	HomeKit  struct {
		Enabled     bool   `yaml:"enabled"`
		Pin         string `yaml:"pin"`
		StoragePath string `yaml:"storage_path"`
		Listen      string `yaml:"listen"`
	} `yaml:"homekit"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		JournalLimit int    `yaml:"journal_limit"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Device.Token == "" {
		return fmt.Errorf("%w: device.token is required", errInvalidConfig)
	}
	if c.Device.Address == "" && !c.Device.Discover {
		return fmt.Errorf("%w: device.address is required unless device.discover is set", errInvalidConfig)
	}
	if c.Device.Transport != "simulator" {
		return fmt.Errorf("%w: unknown device.transport %q (supported: simulator)", errInvalidConfig, c.Device.Transport)
	}
	if c.Device.RetryInterval < 0 {
		return fmt.Errorf("%w: device.retry_interval must not be negative", errInvalidConfig)
	}
	if c.HomeKit.Enabled && !validPin(c.HomeKit.Pin) {
		return fmt.Errorf("%w: homekit.pin must be 8 digits", errInvalidConfig)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", errInvalidConfig)
	}
	if c.Store.JournalLimit < 0 {
		return fmt.Errorf("%w: store.journal_limit must not be negative", errInvalidConfig)
	}
	return nil
}

func validPin(pin string) bool {
	if len(pin) != 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("purifier-go-home starting", "version", version, "name", cfg.Name)

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithJournalLimit(cfg.Store.JournalLimit))
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	recorder := store.NewRecorder(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	transport, err := createTransport(ctx, cfg, &wg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}

	calls := metrics.NewCalls()
	m := mirror.New(cfg.Features, logger, mirror.WithJournal(recorder), mirror.WithJournal(calls))
	acc := accessory.New(accessory.Config{
		Name:     cfg.Name,
		Info:     cfg.Info,
		Names:    cfg.Names,
		Features: cfg.Features,
	}, m, logger)

	supCfg := discovery.Config{
		Identity: device.Identity{
			Address: cfg.Device.Address,
			Token:   cfg.Device.Token,
			ID:      cfg.Device.ID,
		},
		Transport: transport,
		Backoff:   cfg.Device.RetryInterval,
		Attacher:  m,
		Recorder:  recorder,
	}
	if cfg.Device.Discover {
		supCfg.Announcer = discovery.NewMDNSAnnouncer(cfg.Device.Interface, logger)
	}
	supervisor := discovery.New(supCfg, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("discovery supervisor", "err", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(m, supervisor),
		calls,
	)

	if cfg.HomeKit.Enabled {
		hk := homekit.New(acc, homekit.Config{
			Pin:         cfg.HomeKit.Pin,
			StoragePath: cfg.HomeKit.StoragePath,
			Listen:      cfg.HomeKit.Listen,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hk.Run(ctx); err != nil {
				logger.Error("homekit", "err", err)
			}
		}()
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(acc, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithStore(db),
		web.WithSupervisor(supervisor),
		web.WithMetrics(metrics.Handler(registry)),
		web.WithVersion(version),
	)
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(acc, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(acc, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	wg.Wait()
	m.Wait()

	logger.Info("goodbye")
}

// createTransport returns the device transport named by the config. The
// simulator drifts its readings until ctx is cancelled.
func createTransport(ctx context.Context, cfg *Config, wg *sync.WaitGroup, logger *slog.Logger) (device.Transport, error) {
	switch cfg.Device.Transport {
	case "simulator":
		opts := []simulator.Option{simulator.WithToken(cfg.Device.Token)}
		if cfg.Device.Model != "" {
			opts = append(opts, simulator.WithModel(cfg.Device.Model))
		}
		sim := simulator.New(logger, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Run(ctx, simulatorDrift)
		}()
		logger.Info("using simulated purifier", "model", cfg.Device.Model)
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown transport: %q (supported: simulator)", cfg.Device.Transport)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	// Booleans that default to true must be set before decoding.
	cfg.Features = mirror.Features{AirQuality: true, Temperature: true, Humidity: true, LED: true}
	cfg.HomeKit.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "Air Purifier"
	}
	if cfg.Device.Transport == "" {
		cfg.Device.Transport = "simulator"
	}
	if cfg.Device.RetryInterval == 0 {
		cfg.Device.RetryInterval = discovery.DefaultBackoff
	}
	if cfg.HomeKit.Pin == "" {
		cfg.HomeKit.Pin = "00102003"
	}
	if cfg.HomeKit.StoragePath == "" {
		cfg.HomeKit.StoragePath = "homekit"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "purifier-home.db"
	}
	if cfg.Store.JournalLimit == 0 {
		cfg.Store.JournalLimit = store.DefaultJournalLimit
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "purifier"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
