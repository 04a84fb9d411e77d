//go:build !no_automation

package automation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"

	lua "github.com/yuin/gopher-lua"
)

// stubHost records the commands scripts issue.
type stubHost struct {
	events   *coordinator.EventBus
	registry *registry.Registry
	store    *store.BoltStore

	mu       sync.Mutex
	started  []string
	stopped  []string
	guard    map[string]eufy.GuardMode
	writes   map[string]any
	startErr error
}

func newStubHost(t *testing.T) *stubHost {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "states.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	if err := reg.AddStation(&registry.Station{Serial: "T8010P1", Name: "HomeBase", Type: eufy.TypeStation}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddDevice(&registry.Device{
		Serial: "T8113P1", Name: "Front Door", Type: eufy.TypeCamera2C, StationSerial: "T8010P1",
	}); err != nil {
		t.Fatal(err)
	}
	return &stubHost{
		events:   coordinator.NewEventBus(testLogger()),
		registry: reg,
		store:    db,
		guard:    make(map[string]eufy.GuardMode),
		writes:   make(map[string]any),
	}
}

func (h *stubHost) Events() *coordinator.EventBus { return h.events }
func (h *stubHost) Registry() *registry.Registry  { return h.registry }
func (h *stubHost) Store() store.Store            { return h.store }

func (h *stubHost) StartLivestream(_ context.Context, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.started = append(h.started, device)
	return nil
}

func (h *stubHost) StopLivestream(_ context.Context, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, device)
	return nil
}

func (h *stubHost) SetGuardMode(_ context.Context, station string, mode eufy.GuardMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guard[station] = mode
	return nil
}

func (h *stubHost) WriteState(id string, val any) error {
	h.mu.Lock()
	h.writes[id] = val
	h.mu.Unlock()
	return h.store.SetState(id, val, false)
}

func (h *stubHost) startedDevices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

func newHostEngine(t *testing.T) (*Engine, *stubHost) {
	t.Helper()
	host := newStubHost(t)
	e := NewEngine(host, newTestManager(t), testLogger(), SystemConfig{}, TelegramConfig{})
	t.Cleanup(e.Stop)
	return e, host
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LTrue, true},
		{lua.LNumber(3), int64(3)},
		{lua.LNumber(1.5), 1.5},
		{lua.LString("x"), "x"},
		{lua.LNil, nil},
	}
	for _, tt := range tests {
		if got := luaToGo(tt.in); got != tt.want {
			t.Errorf("luaToGo(%v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestMatchesHandler(t *testing.T) {
	fields := map[string]any{"station": "T8010P1", "device": "T8113P1", "state": "motion_detected", "value": true}
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		want    bool
	}{
		{"no filter", luaEventHandler{eventType: "state_changed"}, "state_changed", true},
		{"wrong type", luaEventHandler{eventType: "push_message"}, "state_changed", false},
		{"device match", luaEventHandler{eventType: "state_changed", filter: map[string]string{"device": "T8113P1"}}, "state_changed", true},
		{"device mismatch", luaEventHandler{eventType: "state_changed", filter: map[string]string{"device": "T8113P2"}}, "state_changed", false},
		{"all keys", luaEventHandler{eventType: "state_changed", filter: map[string]string{"device": "T8113P1", "state": "motion_detected", "value": "true"}}, "state_changed", true},
		{"missing key", luaEventHandler{eventType: "state_changed", filter: map[string]string{"url": "x"}}, "state_changed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.evType, fields); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFields(t *testing.T) {
	f := eventFields(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.0.T8113P1.person_detected", Val: true, Ack: true},
	})
	if f["station"] != "T8010P1" || f["device"] != "T8113P1" || f["state"] != "person_detected" || f["value"] != true {
		t.Errorf("state change fields = %v", f)
	}

	f = eventFields(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.station.guard_mode", Val: 1},
	})
	if _, ok := f["device"]; ok || f["state"] != "guard_mode" {
		t.Errorf("station state fields = %v", f)
	}

	f = eventFields(coordinator.Event{
		Type: coordinator.EventPushMessage,
		Data: eufy.PushMessage{EventType: 3101, DeviceSN: "T8113P1", StationSN: "T8010P1", PersonName: "Ann"},
	})
	if f["device"] != "T8113P1" || f["person_name"] != "Ann" || f["event_type"] != float64(3101) {
		t.Errorf("push fields = %v", f)
	}

	f = eventFields(coordinator.Event{Type: coordinator.EventStationConnect, Data: "T8010P1"})
	if f["station"] != "T8010P1" {
		t.Errorf("station connect fields = %v", f)
	}
}

func TestEufyModuleCommands(t *testing.T) {
	e, host := newHostEngine(t)
	if _, err := host.store.EnsureObject(&store.Object{ID: "T8010P1.0.T8113P1.enabled", Type: "boolean", Write: true}); err != nil {
		t.Fatal(err)
	}

	res := e.RunLuaCode(`
		assert(eufy.start_stream("front door"))
		assert(eufy.stop_stream("T8113P1"))
		assert(eufy.set_guard_mode("T8010P1", "home"))
		assert(eufy.set_state("T8010P1.0.T8113P1.enabled", false))
		local ok, err = eufy.start_stream("nope")
		assert(not ok and err ~= nil)
		local devs = eufy.devices()
		eufy.log(devs[1].serial .. " " .. devs[1].kind)
		eufy.log(tostring(eufy.get_state("T8010P1.0.T8113P1.enabled")))
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "T8113P1 camera" || res.Logs[1] != "false" {
		t.Errorf("logs = %q", res.Logs)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.started) != 1 || host.started[0] != "T8113P1" {
		t.Errorf("started = %v", host.started)
	}
	if len(host.stopped) != 1 {
		t.Errorf("stopped = %v", host.stopped)
	}
	if host.guard["T8010P1"] != eufy.GuardHome {
		t.Errorf("guard = %v", host.guard)
	}
	if host.writes["T8010P1.0.T8113P1.enabled"] != false {
		t.Errorf("writes = %v", host.writes)
	}
}

func TestSetGuardModeRejectsUnknown(t *testing.T) {
	e, host := newHostEngine(t)
	res := e.RunLuaCode(`
		local ok, err = eufy.set_guard_mode("T8010P1", "vacation")
		eufy.log(tostring(ok))
		ok, err = eufy.set_guard_mode("MISSING", 1)
		eufy.log(tostring(ok))
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "false" || res.Logs[1] != "false" {
		t.Errorf("logs = %q", res.Logs)
	}
	if len(host.guard) != 0 {
		t.Errorf("guard = %v", host.guard)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, host := newHostEngine(t)
	res := e.RunLuaCode(`
		eufy.on("push_message", {device="T8113P1"}, function(event)
			eufy.start_stream(event.device)
		end)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if got := host.startedDevices(); len(got) != 1 || got[0] != "T8113P1" {
		t.Errorf("started = %v", got)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _ := newHostEngine(t)
	if res := e.RunLuaCode(`this is not lua`); res.OK || res.Error == "" {
		t.Errorf("syntax error result = %+v", res)
	}
	if res := e.RunLuaCode(`os.exit(1)`); res.OK {
		t.Error("sandbox exposed os")
	}
}

func TestEngineDispatchesEvents(t *testing.T) {
	e, host := newHostEngine(t)
	if _, err := e.manager.Save(&Script{
		ID:   "ring",
		Meta: ScriptMeta{Name: "Ring", Enabled: true},
		LuaCode: `eufy.on("state_changed", {state="ringing", value="true"}, function(event)
			eufy.start_stream(event.device)
		end)`,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.Save(&Script{
		ID:      "disabled",
		Meta:    ScriptMeta{Name: "Off"},
		LuaCode: `eufy.on("state_changed", {}, function(event) eufy.stop_stream("T8113P1") end)`,
	}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	if !e.Running("ring") || e.Running("disabled") {
		t.Fatal("unexpected running set")
	}

	host.events.Emit(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.0.T8113P1.ringing", Val: false, Ack: true},
	})
	host.events.Emit(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.0.T8113P1.ringing", Val: true, Ack: true},
	})
	waitFor(t, func() bool { return len(host.startedDevices()) == 1 })

	e.StopScript("ring")
	if e.Running("ring") {
		t.Error("script still running after StopScript")
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.stopped) != 0 {
		t.Errorf("disabled script ran: %v", host.stopped)
	}
}

func TestEufyAfter(t *testing.T) {
	e, host := newHostEngine(t)
	if _, err := e.manager.Save(&Script{
		ID:      "later",
		Meta:    ScriptMeta{Name: "Later", Enabled: true},
		LuaCode: `eufy.after(0.01, function() eufy.start_stream("T8113P1") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("later"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(host.startedDevices()) == 1 })
}

func TestScriptStationScope(t *testing.T) {
	e, host := newHostEngine(t)
	for _, s := range []*Script{
		{
			ID:      "other",
			Meta:    ScriptMeta{Name: "Other Base", Enabled: true, Stations: []string{"T8010P9"}},
			LuaCode: `eufy.on("state_changed", {}, function(event) eufy.stop_stream("T8113P1") end)`,
		},
		{
			ID:   "home",
			Meta: ScriptMeta{Name: "Home Base", Enabled: true, Stations: []string{"T8010P1"}},
			LuaCode: `eufy.on("state_changed", {}, function(event) eufy.start_stream(event.device) end)
			eufy.on("connection", {}, function(event) eufy.start_stream("T8113P1") end)`,
		},
	} {
		if _, err := e.manager.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	e.Start()

	host.events.Emit(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.0.T8113P1.ringing", Val: true, Ack: true},
	})
	// Cloud connection events carry no station and reach every script.
	host.events.Emit(coordinator.Event{Type: coordinator.EventConnection, Data: true})
	waitFor(t, func() bool { return len(host.startedDevices()) == 2 })

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.stopped) != 0 {
		t.Errorf("script scoped to another station ran: %v", host.stopped)
	}
}

func TestScriptMetaWatches(t *testing.T) {
	all := ScriptMeta{}
	scoped := ScriptMeta{Stations: []string{"T8010P1"}}
	if !all.Watches("T8010P9") {
		t.Error("unscoped script ignores a station")
	}
	if !scoped.Watches("T8010P1") || scoped.Watches("T8010P9") {
		t.Error("scoped script matches the wrong stations")
	}
	if !scoped.Watches("") {
		t.Error("scoped script ignores station-less events")
	}
}
