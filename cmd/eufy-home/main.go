package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"eufy-go-home/internal/cloud"
	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/credentials"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/gateway"
	"eufy-go-home/internal/media"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
	"eufy-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Eufy struct {
		Username              string `yaml:"username"`
		Password              string `yaml:"password"`
		Country               string `yaml:"country"`
		Language              string `yaml:"language"`
		PollingInterval       int    `yaml:"polling_interval"`        // minutes
		MaxLivestreamDuration int    `yaml:"max_livestream_duration"` // seconds
		EventDuration         int    `yaml:"event_duration"`          // seconds
		VerificationMethod    int    `yaml:"verification_method"`
		P2PConnectionType     string `yaml:"p2p_connection_type"`
		CredentialsPath       string `yaml:"credentials_path"`
	} `yaml:"eufy"`
	Gateway struct {
		URL         string `yaml:"url"`
		Token       string `yaml:"token"`
		RelayWarmup int    `yaml:"relay_warmup"` // seconds
	} `yaml:"gateway"`
	Media struct {
		FFmpeg    string `yaml:"ffmpeg"`
		DataDir   string `yaml:"data_dir"`
		Namespace string `yaml:"namespace"`
		HLSTime   int    `yaml:"hls_time"`
	} `yaml:"media"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	History struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval int    `yaml:"flush_interval"` // seconds
	} `yaml:"history"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
	// Timezone is the IANA zone scripts see, e.g. Europe/Berlin.
	Timezone string `yaml:"timezone"`
}

func (c *Config) validate() error {
	if c.Eufy.Username == "" || c.Eufy.Password == "" {
		return fmt.Errorf("eufy.username and eufy.password are required")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if !eufy.P2PConnectionType(c.Eufy.P2PConnectionType).Valid() {
		return fmt.Errorf("eufy.p2p_connection_type must be prefer_local, only_local or quickest, got %q", c.Eufy.P2PConnectionType)
	}
	if c.Eufy.VerificationMethod != cloud.VerifyByEmail && c.Eufy.VerificationMethod != cloud.VerifyBySMS {
		return fmt.Errorf("eufy.verification_method must be 0 (email) or 1 (sms)")
	}
	// The namespace is served next to /api/ and must not shadow it.
	ns := c.Media.Namespace
	if ns == "api" || strings.ContainsAny(ns, "/.") {
		return fmt.Errorf("media.namespace %q is not usable as a url path segment", ns)
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
	logger.Info("eufy-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	creds := credentials.Load(cfg.Eufy.CredentialsPath, cfg.Eufy.Username, cfg.Eufy.Password, logger)
	openUDID, serial, err := creds.EnsureIdentity()
	if err != nil {
		// The identity is still usable for this run.
		logger.Warn("persist client identity", "err", err)
	}

	cloudClient := cloud.New(cloud.Config{
		Username:     cfg.Eufy.Username,
		Password:     cfg.Eufy.Password,
		Country:      cfg.Eufy.Country,
		Language:     cfg.Eufy.Language,
		OpenUDID:     openUDID,
		SerialNumber: serial,
		VerifyMethod: cfg.Eufy.VerificationMethod,
	}, logger)

	gw := gateway.New(gateway.Config{URL: cfg.Gateway.URL, Token: cfg.Gateway.Token}, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := gw.Start(ctx); err != nil {
		logger.Error("start gateway", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	layout := media.Layout{Root: cfg.Media.DataDir, Namespace: cfg.Media.Namespace}
	coord := coordinator.New(coordinator.Config{
		Media:           layout,
		P2PConnection:   eufy.P2PConnectionType(cfg.Eufy.P2PConnectionType),
		PollingInterval: time.Duration(cfg.Eufy.PollingInterval) * time.Minute,
		MaxLivestream:   time.Duration(cfg.Eufy.MaxLivestreamDuration) * time.Second,
		RelayWarmup:     time.Duration(cfg.Gateway.RelayWarmup) * time.Second,
		EventDuration:   time.Duration(cfg.Eufy.EventDuration) * time.Second,
		Version:         version,
	}, coordinator.Deps{
		Store:       db,
		Registry:    registry.New(),
		Events:      coordinator.NewEventBus(logger),
		Gateway:     gw,
		Cloud:       cloudClient,
		Credentials: creds,
		Transcoder: &media.FFmpeg{
			Binary:  cfg.Media.FFmpeg,
			HLSTime: cfg.Media.HLSTime,
			Logger:  logger,
		},
	}, logger)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		gw.Close()
		os.Exit(1)
	}
	cancel()

	// History recorder (no-op when built with no_history tag).
	hist := initHistory(coord, cfg, logger)

	// Automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)
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

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop(shutdownCtx)
	hist.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if pw := os.Getenv("EUFY_PASSWORD"); pw != "" {
		cfg.Eufy.Password = pw
	}
	if cfg.Eufy.PollingInterval <= 0 {
		cfg.Eufy.PollingInterval = 10
	}
	if cfg.Eufy.MaxLivestreamDuration <= 0 {
		cfg.Eufy.MaxLivestreamDuration = 30
	}
	if cfg.Eufy.EventDuration <= 0 {
		cfg.Eufy.EventDuration = 10
	}
	if cfg.Eufy.P2PConnectionType == "" {
		cfg.Eufy.P2PConnectionType = string(eufy.P2PPreferLocal)
	}
	if cfg.Gateway.RelayWarmup <= 0 {
		cfg.Gateway.RelayWarmup = 5
	}
	if cfg.Media.FFmpeg == "" {
		cfg.Media.FFmpeg = "ffmpeg"
	}
	if cfg.Media.DataDir == "" {
		cfg.Media.DataDir = "media"
	}
	if cfg.Eufy.CredentialsPath == "" {
		cfg.Eufy.CredentialsPath = filepath.Join(cfg.Media.DataDir, "persistent.json")
	}
	if cfg.Media.Namespace == "" {
		cfg.Media.Namespace = "eufy"
	}
	if cfg.Media.HLSTime <= 0 {
		cfg.Media.HLSTime = 2
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "eufy-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "eufy"
	}
	if cfg.History.Bucket == "" {
		cfg.History.Bucket = "eufy"
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
