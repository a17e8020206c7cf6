package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/capture"
	"zigbee-matter-bridge/internal/datamodel"
	"zigbee-matter-bridge/internal/datamodel/clusters"
	"zigbee-matter-bridge/internal/discovery"
	"zigbee-matter-bridge/internal/ncp"
	"zigbee-matter-bridge/internal/store"
	"zigbee-matter-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Gateway struct {
		Port string `yaml:"port" env:"BRIDGE_GATEWAY_PORT"`
		Baud int    `yaml:"baud" env:"BRIDGE_GATEWAY_BAUD"`
	} `yaml:"gateway"`
	Bridge struct {
		CommandTimeout  time.Duration `yaml:"command_timeout" env:"BRIDGE_COMMAND_TIMEOUT"`
		SnapshotTimeout time.Duration `yaml:"snapshot_timeout" env:"BRIDGE_SNAPSHOT_TIMEOUT"`
		SnapshotRetries int           `yaml:"snapshot_retries" env:"BRIDGE_SNAPSHOT_RETRIES"`
		QueueDepth      int           `yaml:"queue_depth" env:"BRIDGE_QUEUE_DEPTH"`
	} `yaml:"bridge"`
	Web struct {
		Listen         string   `yaml:"listen" env:"BRIDGE_WEB_LISTEN"`
		APIKey         string   `yaml:"api_key" env:"BRIDGE_WEB_API_KEY"`
		AllowedOrigins []string `yaml:"allowed_origins" env:"BRIDGE_WEB_ALLOWED_ORIGINS" envSeparator:","`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path" env:"BRIDGE_STORE_PATH"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled" env:"BRIDGE_MQTT_ENABLED"`
		Broker      string `yaml:"broker" env:"BRIDGE_MQTT_BROKER"`
		Username    string `yaml:"username" env:"BRIDGE_MQTT_USERNAME"`
		Password    string `yaml:"password" env:"BRIDGE_MQTT_PASSWORD"`
		ClientID    string `yaml:"client_id" env:"BRIDGE_MQTT_CLIENT_ID"`
		TopicPrefix string `yaml:"topic_prefix" env:"BRIDGE_MQTT_TOPIC_PREFIX"`
		Discovery   bool   `yaml:"discovery" env:"BRIDGE_MQTT_DISCOVERY"`
	} `yaml:"mqtt"`
	MDNS struct {
		Enabled   bool          `yaml:"enabled" env:"BRIDGE_MDNS_ENABLED"`
		Instance  string        `yaml:"instance" env:"BRIDGE_MDNS_INSTANCE"`
		Interface string        `yaml:"interface" env:"BRIDGE_MDNS_INTERFACE"`
		BridgeID  string        `yaml:"bridge_id" env:"BRIDGE_MDNS_BRIDGE_ID"`
		TTL       time.Duration `yaml:"ttl" env:"BRIDGE_MDNS_TTL"`
	} `yaml:"mdns"`
	Capture struct {
		Path string `yaml:"path" env:"BRIDGE_CAPTURE_PATH"` // empty disables capture
	} `yaml:"capture"`
	Log struct {
		Level  string `yaml:"level" env:"BRIDGE_LOG_LEVEL"`
		Format string `yaml:"format" env:"BRIDGE_LOG_FORMAT"`
	} `yaml:"log"`
	DevicesDir string `yaml:"devices_dir" env:"BRIDGE_DEVICES_DIR"`
	ScriptsDir string `yaml:"scripts_dir" env:"BRIDGE_SCRIPTS_DIR"`
}

func (c *Config) validate() error {
	if c.Gateway.Port == "" {
		return fmt.Errorf("gateway.port is required")
	}
	if c.Gateway.Baud <= 0 {
		return fmt.Errorf("gateway.baud must be positive, got %d", c.Gateway.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MDNS.Enabled {
		if _, err := listenPort(c.Web.Listen); err != nil {
			return fmt.Errorf("mdns needs a web.listen port: %w", err)
		}
	}
	return nil
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
	logger.Info("matter-bridge starting", "version", version)

	// Target data model: standard clusters, then custom clusters from the
	// devices directory.
	schema := datamodel.NewRegistry(logger)
	for _, c := range clusters.Standard {
		schema.Register(c)
	}
	deviceDB, err := bridge.LoadDeviceDir(cfg.DevicesDir, schema, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("data model initialized", "clusters", len(schema.All()), "devices", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("opening gateway", "port", cfg.Gateway.Port, "baud", cfg.Gateway.Baud)
	backend, err := ncp.OpenSerial(cfg.Gateway.Port, cfg.Gateway.Baud, logger)
	if err != nil {
		logger.Error("open gateway", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	events := bridge.NewEventBus(logger)

	// Capture attaches before the controller starts so restored endpoints
	// are recorded too.
	var recorder *capture.Recorder
	if cfg.Capture.Path != "" {
		recorder, err = capture.NewRecorder(cfg.Capture.Path, logger)
		if err != nil {
			logger.Error("open capture", "err", err)
			os.Exit(1)
		}
		defer recorder.Close()
		defer recorder.Attach(events)()
	}

	translator := bridge.NewTranslator(schema, bridge.StandardBindings, deviceDB.Bindings())
	ctrl := bridge.NewController(backend, db, translator, events, bridge.Config{
		CommandTimeout:  cfg.Bridge.CommandTimeout,
		SnapshotTimeout: cfg.Bridge.SnapshotTimeout,
		SnapshotRetries: cfg.Bridge.SnapshotRetries,
		QueueDepth:      cfg.Bridge.QueueDepth,
	}, logger,
		bridge.WithDeviceDB(deviceDB),
		bridge.WithFatalHandler(func(err error) {
			logger.Error("bridge invariant violated", "err", err)
			os.Exit(1)
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ctrl.Start(ctx); err != nil {
		logger.Error("start bridge", "err", err)
		cancel()
		backend.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT surface (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	mdns := startDiscovery(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mdns()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.Stop()

	logger.Info("goodbye")
}

// startDiscovery advertises the HTTP API over mDNS when enabled. The
// returned function withdraws the advertisement.
func startDiscovery(ctrl *bridge.Controller, cfg *Config, logger *slog.Logger) func() {
	if !cfg.MDNS.Enabled {
		return func() {}
	}
	port, _ := listenPort(cfg.Web.Listen) // checked by validate

	adv := discovery.NewAdvertiser(discovery.Config{
		Instance:  cfg.MDNS.Instance,
		Port:      port,
		Interface: cfg.MDNS.Interface,
		TTL:       cfg.MDNS.TTL,
	}, logger)
	count := func() int { return len(ctrl.Endpoints()) }
	err := adv.Start(discovery.Info{
		BridgeID:  cfg.MDNS.BridgeID,
		Version:   version,
		APIPath:   "/api",
		Endpoints: count(),
	})
	if err != nil {
		logger.Error("mdns advertise", "err", err)
		return func() {}
	}
	untrack := adv.Track(ctrl.Events(), count)
	return func() {
		untrack()
		adv.Stop()
	}
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

// loadConfig reads the YAML file, applies defaults, then lets BRIDGE_*
// environment variables override individual fields.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "matter-bridge.db"
	}
	if cfg.Gateway.Baud == 0 {
		cfg.Gateway.Baud = 115200
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "matter-bridge"
	}
	if cfg.MDNS.BridgeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "matter-bridge"
		}
		cfg.MDNS.BridgeID = host
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
