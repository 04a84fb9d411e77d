//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 30 * time.Second
)

// registerEufyModule registers the `eufy` global table in a Lua state.
func registerEufyModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return eufyOn(L, vm) },
		"start_stream":   func(L *lua.LState) int { return eufyStream(L, e, true) },
		"stop_stream":    func(L *lua.LState) int { return eufyStream(L, e, false) },
		"set_guard_mode": func(L *lua.LState) int { return eufySetGuardMode(L, e) },
		"get_state":      func(L *lua.LState) int { return eufyGetState(L, e) },
		"set_state":      func(L *lua.LState) int { return eufySetState(L, e) },
		"devices":        func(L *lua.LState) int { return eufyDevices(L, e) },
		"after":          func(L *lua.LState) int { return eufyAfter(L, vm, e) },
		"log":            func(L *lua.LState) int { return eufyLog(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("eufy", mod)
}

// eufy.on(type, filter, callback). Filter keys: station, device, state
// or any field of the event payload.
func eufyOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	filterTable.ForEach(func(k, v lua.LValue) {
		if key, ok := k.(lua.LString); ok {
			if h.filter == nil {
				h.filter = make(map[string]string)
			}
			h.filter[string(key)] = v.String()
		}
	})

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// eufy.start_stream(serial_or_name) / eufy.stop_stream(serial_or_name).
// Returns true on success, or false and an error message.
func eufyStream(L *lua.LState, e *Engine, start bool) int {
	target := L.CheckString(1)
	dev := resolveDevice(e, target)
	if dev == nil {
		return pushFailure(L, "device not found: "+target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	if start {
		err = e.host.StartLivestream(ctx, dev.Serial)
	} else {
		err = e.host.StopLivestream(ctx, dev.Serial)
	}
	if err != nil {
		e.logger.Warn("script stream command", "serial", dev.Serial, "start", start, "err", err)
		return pushFailure(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

// eufy.set_guard_mode(station, mode). mode is a label such as "HOME" or
// the numeric value.
func eufySetGuardMode(L *lua.LState, e *Engine) int {
	station := L.CheckString(1)

	var mode eufy.GuardMode
	switch v := L.CheckAny(2).(type) {
	case lua.LNumber:
		mode = eufy.GuardMode(int(v))
	case lua.LString:
		m, ok := eufy.ParseGuardMode(string(v))
		if !ok {
			return pushFailure(L, "unknown guard mode: "+string(v))
		}
		mode = m
	default:
		L.ArgError(2, "mode must be a label or number")
		return 0
	}

	if _, ok := e.host.Registry().Station(station); !ok {
		return pushFailure(L, "station not found: "+station)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := e.host.SetGuardMode(ctx, station, mode); err != nil {
		e.logger.Warn("script guard mode", "station", station, "mode", int(mode), "err", err)
		return pushFailure(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

// eufy.get_state(id) returns the value or nil.
func eufyGetState(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	st, err := e.host.Store().GetState(id)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, st.Val))
	return 1
}

// eufy.set_state(id, value) writes like any other host. Writable states
// are turned into device commands.
func eufySetState(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	val := luaToGo(L.CheckAny(2))
	if val == nil {
		L.ArgError(2, "value must be a boolean, number or string")
		return 0
	}
	if err := e.host.WriteState(id, val); err != nil {
		e.logger.Warn("script set state", "id", id, "err", err)
		return pushFailure(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

// eufy.after(seconds, callback)
func eufyAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

func eufyLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

// eufy.devices() returns an array of {serial, name, model, station, kind}.
func eufyDevices(L *lua.LState, e *Engine) int {
	devices := e.host.Registry().Devices()
	tbl := L.NewTable()
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("serial", lua.LString(dev.Serial))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("station", lua.LString(dev.StationSerial))
		d.RawSetString("kind", lua.LString(dev.Kind().String()))
		d.RawSetString("camera", lua.LBool(dev.IsCamera()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by serial, then by name ignoring case.
func resolveDevice(e *Engine, target string) *registry.Device {
	reg := e.host.Registry()
	if dev, ok := reg.Device(target); ok {
		return dev
	}
	for _, dev := range reg.Devices() {
		if strings.EqualFold(dev.Name, target) || strings.EqualFold(dev.Serial, target) {
			return dev
		}
	}
	return nil
}

func pushFailure(L *lua.LState, msg string) int {
	L.Push(lua.LFalse)
	L.Push(lua.LString(msg))
	return 2
}
