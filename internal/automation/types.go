package automation

import (
	"context"
	"errors"
	"slices"
	"time"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// ErrScriptNotFound is returned for unknown script ids.
var ErrScriptNotFound = errors.New("script not found")

// Host is the part of the coordinator scripts can reach.
type Host interface {
	Events() *coordinator.EventBus
	Registry() *registry.Registry
	Store() store.Store
	StartLivestream(ctx context.Context, device string) error
	StopLivestream(ctx context.Context, device string) error
	SetGuardMode(ctx context.Context, station string, mode eufy.GuardMode) error
	WriteState(id string, val any) error
}

// ScriptMeta is the JSON header line of a script file. Stations limits
// the events a running script receives to those of the listed stations;
// events without a station, such as cloud connection changes, always
// reach it.
type ScriptMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Stations    []string `json:"stations,omitempty"`
}

// Watches reports whether events of station reach the script.
func (m ScriptMeta) Watches(station string) bool {
	return len(m.Stations) == 0 || station == "" || slices.Contains(m.Stations, station)
}

// Script is a Lua automation stored as {dir}/{id}.lua.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig configures the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // allowed command paths
	ExecTimeout   time.Duration // timeout for exec commands
	// Location is the zone of system.datetime and system.time_between.
	// Nil means the host's local zone.
	Location *time.Location
}

// TelegramConfig configures the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIBase  string // defaults to https://api.telegram.org
}
