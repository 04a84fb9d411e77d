package history

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (w *memWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestPointForStateChange(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := PointFor(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.cameras.T8113P1.battery", Val: 87, Ack: true, TS: ts},
	}, time.Now())
	if p == nil {
		t.Fatal("no point for device state")
	}
	if p.Name() != MeasurementState || !p.Time().Equal(ts) {
		t.Errorf("name = %q, time = %v", p.Name(), p.Time())
	}
	tg := tags(p)
	if tg["station"] != "T8010P1" || tg["device"] != "T8113P1" || tg["state"] != "battery" {
		t.Errorf("tags = %v", tg)
	}
	f := fields(p)
	if f["value"] != float64(87) || f["ack"] != true {
		t.Errorf("fields = %v", f)
	}

	p = PointFor(coordinator.Event{
		Type: coordinator.EventStateChanged,
		Data: coordinator.StateChange{ID: "T8010P1.station.guard_mode", Val: "1"},
	}, ts)
	if _, ok := tags(p)["device"]; ok {
		t.Error("station state has a device tag")
	}
	if fields(p)["value"] != "1" || !p.Time().Equal(ts) {
		t.Errorf("station point = %v at %v", fields(p), p.Time())
	}
}

func TestPointForSkips(t *testing.T) {
	tests := []struct {
		name  string
		event coordinator.Event
	}{
		{"deleted", coordinator.Event{Type: coordinator.EventStateChanged, Data: coordinator.StateChange{ID: "T8010P1.station.guard_mode", Deleted: true}}},
		{"global id", coordinator.Event{Type: coordinator.EventStateChanged, Data: coordinator.StateChange{ID: coordinator.StateConnection, Val: true}}},
		{"html", coordinator.Event{Type: coordinator.EventStateChanged, Data: coordinator.StateChange{ID: "T8010P1.cameras.T8113P1.last_event_pic_html", Val: "<img>"}}},
		{"object value", coordinator.Event{Type: coordinator.EventStateChanged, Data: coordinator.StateChange{ID: "T8010P1.station.x", Val: map[string]any{}}}},
		{"refresh", coordinator.Event{Type: coordinator.EventRefresh, Data: map[string]int{"devices": 1}}},
		{"verify", coordinator.Event{Type: coordinator.EventVerifyCodeNeeded}},
		{"wrong payload", coordinator.Event{Type: coordinator.EventConnection, Data: "yes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p := PointFor(tt.event, time.Now()); p != nil {
				t.Errorf("got point %q", p.Name())
			}
		})
	}
}

func TestPointForEvents(t *testing.T) {
	open := true
	tests := []struct {
		name   string
		event  coordinator.Event
		want   string
		tags   map[string]string
		fields map[string]any
	}{
		{
			name:   "push",
			event:  coordinator.Event{Type: coordinator.EventPushMessage, Data: eufy.PushMessage{Type: 3, EventType: 3101, StationSN: "T8010P1", DeviceSN: "T8113P1", PersonName: "Ann", SensorOpen: &open}},
			want:   MeasurementPush,
			tags:   map[string]string{"station": "T8010P1", "device": "T8113P1", "event_type": "3101"},
			fields: map[string]any{"type": int64(3), "person_name": "Ann", "sensor_open": true},
		},
		{
			name:   "command",
			event:  coordinator.Event{Type: coordinator.EventCommandResult, Data: eufy.CommandResult{Station: "T8010P1", Channel: 2, CommandType: 1224, ReturnCode: -1}},
			want:   MeasurementCommand,
			tags:   map[string]string{"station": "T8010P1", "channel": "2", "command_type": "1224"},
			fields: map[string]any{"return_code": int64(-1)},
		},
		{
			name:   "push connection",
			event:  coordinator.Event{Type: coordinator.EventPushConnection, Data: false},
			want:   MeasurementConnection,
			tags:   map[string]string{"service": "push"},
			fields: map[string]any{"connected": false},
		},
		{
			name:   "station close",
			event:  coordinator.Event{Type: coordinator.EventStationClose, Data: "T8010P1"},
			want:   MeasurementStation,
			tags:   map[string]string{"station": "T8010P1"},
			fields: map[string]any{"connected": false},
		},
		{
			name:   "livestream start",
			event:  coordinator.Event{Type: coordinator.EventLivestreamStart, Data: map[string]string{"station": "T8010P1", "device": "T8113P1", "url": "/eufy/x"}},
			want:   MeasurementLivestream,
			tags:   map[string]string{"station": "T8010P1", "device": "T8113P1"},
			fields: map[string]any{"active": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PointFor(tt.event, time.Now())
			if p == nil {
				t.Fatal("no point")
			}
			if p.Name() != tt.want {
				t.Errorf("name = %q, want %q", p.Name(), tt.want)
			}
			gotTags := tags(p)
			for k, v := range tt.tags {
				if gotTags[k] != v {
					t.Errorf("tag %s = %q, want %q", k, gotTags[k], v)
				}
			}
			gotFields := fields(p)
			if len(gotFields) != len(tt.fields) {
				t.Errorf("fields = %v, want %v", gotFields, tt.fields)
			}
			for k, v := range tt.fields {
				if gotFields[k] != v {
					t.Errorf("field %s = %v (%T), want %v", k, gotFields[k], gotFields[k], v)
				}
			}
		})
	}
}

func TestRecorderAttach(t *testing.T) {
	bus := coordinator.NewEventBus(testLogger())
	w := &memWriter{}
	r := NewRecorder(w, testLogger())
	r.Attach(bus)

	bus.Emit(coordinator.Event{Type: coordinator.EventConnection, Data: true})
	bus.Emit(coordinator.Event{Type: coordinator.EventRefresh})
	r.Close()
	bus.Emit(coordinator.Event{Type: coordinator.EventConnection, Data: false})

	if len(w.points) != 1 || w.points[0].Name() != MeasurementConnection {
		t.Errorf("points = %d, want 1 connection point", len(w.points))
	}
}

func TestConnectWritesLineProtocol(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/write" {
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			body.Write(data)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r, err := Connect(Config{URL: srv.URL, Token: "tok", Org: "home", Bucket: "eufy", BatchSize: 1, FlushInterval: 1}, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Record(coordinator.Event{Type: coordinator.EventStationConnect, Data: "T8010P1"})
	r.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := body.String()
		mu.Unlock()
		if strings.Contains(got, "station_connection,station=T8010P1 connected=true") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("line protocol = %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectValidates(t *testing.T) {
	if _, err := Connect(Config{URL: "http://127.0.0.1:1"}, testLogger()); err != ErrMissingBucket {
		t.Errorf("err = %v, want ErrMissingBucket", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := Connect(Config{URL: srv.URL, Org: "home", Bucket: "eufy"}, testLogger()); err == nil {
		t.Error("Connect succeeded against an unhealthy server")
	}
}
