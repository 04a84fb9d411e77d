package push

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type raised struct {
	entity, kind string
	hold         time.Duration
}

type stubRaiser struct {
	mu    sync.Mutex
	calls []raised
}

func (s *stubRaiser) Raise(entity, kind string, hold time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, raised{entity, kind, hold})
	return nil
}

type scheduled struct {
	device string
	at     time.Time
	path   string
}

type stubDownloader struct {
	calls []scheduled
}

func (s *stubDownloader) Schedule(device string, at time.Time, path string, _ *int) (time.Duration, error) {
	s.calls = append(s.calls, scheduled{device, at, path})
	return time.Second, nil
}

type stubStates struct {
	mu     sync.Mutex
	values map[string]any
}

func (s *stubStates) set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = v
	return nil
}

func (s *stubStates) SetDevice(device, state string, v any) error { return s.set(device+"."+state, v) }
func (s *stubStates) SetDeviceChanged(device, state string, v any, _ time.Time) error {
	return s.set(device+"."+state, v)
}
func (s *stubStates) SetStationChanged(station, state string, v any, _ time.Time) error {
	return s.set(station+"."+state, v)
}

type stubPictures struct {
	saved chan string
}

func (s *stubPictures) Save(_ context.Context, _, device, url string) error {
	s.saved <- device + " " + url
	return nil
}

type fixture struct {
	bridge    *Bridge
	raiser    *stubRaiser
	downloads *stubDownloader
	states    *stubStates
	pictures  *stubPictures
	reg       *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	if err := reg.AddStation(&registry.Station{Serial: "T8010P1", Type: eufy.TypeStation}); err != nil {
		t.Fatal(err)
	}
	for _, d := range []*registry.Device{
		{Serial: "T8200", StationSerial: "T8010P1", Type: eufy.TypeBatteryDoorbell},
		{Serial: "T8400", StationSerial: "T8010P1", Type: eufy.TypeIndoorCamera},
		{Serial: "T8113", StationSerial: "T8010P1", Type: eufy.TypeCamera2C},
		{Serial: "T8900", StationSerial: "T8010P1", Type: eufy.TypeSensor},
		{Serial: "T8910", StationSerial: "T8010P1", Type: eufy.TypeMotionSensor},
	} {
		if err := reg.AddDevice(d); err != nil {
			t.Fatal(err)
		}
	}
	f := &fixture{
		raiser:    &stubRaiser{},
		downloads: &stubDownloader{},
		states:    &stubStates{},
		pictures:  &stubPictures{saved: make(chan string, 4)},
		reg:       reg,
	}
	f.bridge = New(f.raiser, f.downloads, reg, f.states, f.pictures, 10*time.Second, testLogger())
	return f
}

func TestDoorbellPress(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeBatteryDoorbell), EventType: eufy.DoorbellPushPress, DeviceSN: "T8200"})
	if len(f.raiser.calls) != 1 || f.raiser.calls[0] != (raised{"T8200", StateRinging, 10 * time.Second}) {
		t.Errorf("raised = %+v", f.raiser.calls)
	}
}

func TestDoorbellFaceSetsUnknownPerson(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeDoorbell), EventType: eufy.DoorbellPushFace, DeviceSN: "T8200"})
	if len(f.raiser.calls) != 1 || f.raiser.calls[0].kind != StatePerson {
		t.Errorf("raised = %+v", f.raiser.calls)
	}
	if f.states.values["T8200."+StateLastPerson] != "Unknown" {
		t.Errorf("last person = %v", f.states.values["T8200."+StateLastPerson])
	}
}

func TestIndoorEvents(t *testing.T) {
	tests := []struct {
		event int
		want  string
	}{
		{eufy.IndoorPushMotion, StateMotion},
		{eufy.IndoorPushFace, StatePerson},
		{eufy.IndoorPushCrying, StateCrying},
		{eufy.IndoorPushSound, StateSound},
		{eufy.IndoorPushPet, StatePet},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeIndoorCamera), EventType: tt.event, DeviceSN: "T8400"})
		if len(f.raiser.calls) != 1 || f.raiser.calls[0].kind != tt.want {
			t.Errorf("event %d: raised = %+v, want %s", tt.event, f.raiser.calls, tt.want)
		}
	}
}

func TestSecurityMotionAndPerson(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeCamera2C), EventType: eufy.CusPushSecurity, DeviceSN: "T8113"})
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeCamera2C), EventType: eufy.CusPushSecurity, DeviceSN: "T8113", FetchID: 7, PersonName: "Alex"})

	if len(f.raiser.calls) != 2 || f.raiser.calls[0].kind != StateMotion || f.raiser.calls[1].kind != StatePerson {
		t.Fatalf("raised = %+v", f.raiser.calls)
	}
	if f.states.values["T8113."+StateLastPerson] != "Alex" {
		t.Errorf("last person = %v", f.states.values["T8113."+StateLastPerson])
	}
}

func TestMotionSensorCooldown(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeMotionSensor), EventType: eufy.CusPushMotionSensorPIR, DeviceSN: "T8910"})
	if len(f.raiser.calls) != 1 || f.raiser.calls[0].hold != MotionSensorCooldown {
		t.Errorf("raised = %+v", f.raiser.calls)
	}
}

func TestDoorSensor(t *testing.T) {
	f := newFixture(t)
	open := true
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeSensor), EventType: eufy.CusPushDoorSensor, DeviceSN: "T8900", SensorOpen: &open, EventTime: 1000})
	if f.states.values["T8900."+StateSensorOpen] != true {
		t.Errorf("sensor_open = %v", f.states.values["T8900."+StateSensorOpen])
	}
	dev, _ := f.reg.Device("T8900")
	if p, _ := dev.Property(StateSensorOpen); p.Value != "true" {
		t.Errorf("registry sensor_open = %q", p.Value)
	}
}

func TestModeSwitch(t *testing.T) {
	f := newFixture(t)
	guard, current := 1, 0
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeStation), EventType: eufy.CusPushModeSwitch, StationSN: "T8010P1", StationGuardMode: &guard, StationCurrentMode: &current})
	if f.states.values["T8010P1."+StateGuardMode] != 1 || f.states.values["T8010P1."+StateCurrentMode] != 0 {
		t.Errorf("states = %v", f.states.values)
	}

	// missing data and unknown station are dropped
	f = newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeStation), EventType: eufy.CusPushModeSwitch, StationSN: "T8010P1", StationGuardMode: &guard})
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeStation), EventType: eufy.CusPushModeSwitch, StationSN: "nope", StationGuardMode: &guard, StationCurrentMode: &current})
	if len(f.states.values) != 0 {
		t.Errorf("states = %v", f.states.values)
	}
}

func TestDownloadOnlyOnFirstPush(t *testing.T) {
	f := newFixture(t)
	msg := eufy.PushMessage{Type: int(eufy.TypeBatteryDoorbell), EventType: eufy.DoorbellPushMotion, DeviceSN: "T8200", FilePath: "/media/clip.dat", EventTime: 1_600_000_000_000, PushCount: 1}
	f.bridge.Handle(msg)
	msg.PushCount = 2
	f.bridge.Handle(msg)

	if len(f.downloads.calls) != 1 {
		t.Fatalf("downloads = %+v", f.downloads.calls)
	}
	got := f.downloads.calls[0]
	if got.device != "T8200" || got.path != "/media/clip.dat" || !got.at.Equal(time.UnixMilli(1_600_000_000_000)) {
		t.Errorf("download = %+v", got)
	}
}

func TestPictureSaved(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeIndoorCamera), EventType: eufy.IndoorPushPet, DeviceSN: "T8400", PicURL: "https://cdn/pic.jpg"})
	select {
	case got := <-f.pictures.saved:
		if got != "T8400 https://cdn/pic.jpg" {
			t.Errorf("saved = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("picture not saved")
	}
}

func TestUnknownIsDropped(t *testing.T) {
	f := newFixture(t)
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeBatteryDoorbell), EventType: eufy.DoorbellPushPress, DeviceSN: "missing"})
	f.bridge.Handle(eufy.PushMessage{Type: int(eufy.TypeCamera2C), EventType: 999, DeviceSN: "T8113"})
	f.bridge.Handle(eufy.PushMessage{Type: eufy.ServerPushVerification})
	f.bridge.Handle(eufy.PushMessage{})
	if len(f.raiser.calls) != 0 || len(f.downloads.calls) != 0 {
		t.Errorf("raised = %+v downloads = %+v", f.raiser.calls, f.downloads.calls)
	}
}

type panicRaiser struct{}

func (panicRaiser) Raise(string, string, time.Duration) error { panic("boom") }

func TestHandleRecoversPanic(t *testing.T) {
	f := newFixture(t)
	b := New(panicRaiser{}, f.downloads, f.reg, f.states, nil, time.Second, testLogger())
	b.Handle(eufy.PushMessage{Type: int(eufy.TypeBatteryDoorbell), EventType: eufy.DoorbellPushPress, DeviceSN: "T8200"})

	// the per-device lock was released
	done := make(chan struct{})
	go func() {
		f.reg.Lock("T8200")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("device lock still held after panic")
	}
}
