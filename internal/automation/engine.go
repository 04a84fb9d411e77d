//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"

	lua "github.com/yuin/gopher-lua"
)

// luaEventHandler is a callback registered with eufy.on. Every filter
// entry must equal the field of the same name in the event.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	meta     ScriptMeta
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches EventBus events to scripts.
type Engine struct {
	host    Host
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig
	now         func() time.Time // nil means time.Now

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

func NewEngine(host Host, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		host:        host,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.host.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether a VM is loaded for the script.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway sandboxed VM. Handlers the code
// registers are invoked once with a synthetic event of their type so a
// dry run exercises the actions. Output of eufy.log and system.log is
// captured.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerEufyModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)

	if tbl, ok := L.GetGlobal("eufy").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		evt := L.NewTable()
		evt.RawSetString("type", lua.LString(h.eventType))
		for k, v := range h.filter {
			evt.RawSetString(k, lua.LString(v))
		}
		evt.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, evt); err != nil {
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Debug("script run complete", "handlers", len(handlers), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newSandbox returns a Lua state without file, process or module loading.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := newSandbox()
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		meta:     s.Meta,
		ctx:      ctx,
		cancel:   cancel,
	}

	registerEufyModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// The command loop owns L from here on.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes an EventBus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	station, _ := fields["station"].(string)
	for _, vm := range vms {
		if !vm.meta.Watches(station) {
			continue
		}
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// eventFields flattens an event payload into the table handed to Lua.
// Every payload gets station and device keys where they apply, so
// filters look the same for all event types.
func eventFields(event coordinator.Event) map[string]any {
	fields := make(map[string]any)
	switch d := event.Data.(type) {
	case nil:
	case coordinator.StateChange:
		fields["id"] = d.ID
		fields["value"] = d.Val
		fields["ack"] = d.Ack
		if d.Deleted {
			fields["deleted"] = true
		}
		if ref, ok := coordinator.ParseStateID(d.ID); ok {
			fields["station"] = ref.Station
			if ref.Device != "" {
				fields["device"] = ref.Device
			}
			fields["state"] = ref.State
		}
	case eufy.PushMessage:
		mergeJSON(fields, d)
		fields["station"] = d.StationSN
		if d.DeviceSN != "" {
			fields["device"] = d.DeviceSN
		}
	case eufy.CommandResult:
		mergeJSON(fields, d)
		fields["station"] = d.Station
	case *registry.Station:
		fields["station"] = d.Serial
		fields["name"] = d.Name
		fields["model"] = d.Model
	case *registry.Device:
		fields["station"] = d.StationSerial
		fields["device"] = d.Serial
		fields["name"] = d.Name
		fields["model"] = d.Model
	case map[string]string:
		for k, v := range d {
			fields[k] = v
		}
	case string:
		fields["station"] = d
	case bool:
		fields["value"] = d
	default:
		mergeJSON(fields, d)
	}
	return fields
}

func mergeJSON(dst map[string]any, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return
	}
	for k, v := range m {
		dst[k] = v
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	evt := L.NewTable()
	evt.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		evt.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, evt); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua scalar to the value stored in a state.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
