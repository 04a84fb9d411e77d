//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"eufy-go-home/internal/automation"
	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func execTimeout(raw string, logger *slog.Logger) time.Duration {
	const fallback = 10 * time.Second
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid exec.timeout, using default", "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func scriptLocation(name string, logger *slog.Logger) *time.Location {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown timezone, using local time", "value", name, "err", err)
		return nil
	}
	return loc
}

// initAutomation loads the scripts directory and starts enabled scripts
// against the coordinator's event bus.
func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "dir", cfg.ScriptsDir, "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(coord, scriptMgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Exec.Allowlist,
			ExecTimeout:   execTimeout(cfg.Exec.Timeout, logger),
			Location:      scriptLocation(cfg.Timezone, logger),
		},
		automation.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		},
	)
	engine.Start()

	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
