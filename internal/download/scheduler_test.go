package download

import (
	"context"
	"errors"
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

type call struct {
	station, device, path string
	cipher                int
}

type stubStarter struct {
	mu    sync.Mutex
	calls []call
	done  chan struct{}
}

func (s *stubStarter) StartDownload(_ context.Context, station, device, path string, cipher int) error {
	s.mu.Lock()
	s.calls = append(s.calls, call{station, device, path, cipher})
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return nil
}

type manualTimer struct {
	f       func()
	d       time.Duration
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

func newTestScheduler(t *testing.T) (*Scheduler, *stubStarter, *[]*manualTimer, *time.Time) {
	t.Helper()
	reg := registry.New()
	reg.AddStation(&registry.Station{Serial: "T8010"})
	reg.AddDevice(&registry.Device{Serial: "T8113", StationSerial: "T8010", Type: eufy.TypeCamera2C})

	st := &stubStarter{}
	s := New(st, reg, testLogger())
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	var timers []*manualTimer
	s.afterFunc = func(d time.Duration, f func()) timer {
		m := &manualTimer{f: f, d: d}
		timers = append(timers, m)
		return m
	}
	return s, st, &timers, &now
}

func intPtr(v int) *int { return &v }

func TestDelay(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name    string
		clip    time.Duration
		elapsed time.Duration
		want    time.Duration
	}{
		{"fresh event", 60 * time.Second, 0, 60 * time.Second},
		{"partly recorded", 60 * time.Second, 45 * time.Second, 15 * time.Second},
		{"exactly elapsed", 60 * time.Second, 60 * time.Second, time.Second},
		{"long ago", 60 * time.Second, 10 * time.Minute, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.clip, now.Add(-tt.elapsed), now); got != tt.want {
				t.Errorf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleClampsToOneSecond(t *testing.T) {
	s, _, timers, now := newTestScheduler(t)

	delay, err := s.Schedule("T8113", now.Add(-5*time.Minute), "/media/a.dat", intPtr(3))
	if err != nil {
		t.Fatal(err)
	}
	if delay != time.Second {
		t.Errorf("delay = %v, want 1s", delay)
	}
	if (*timers)[0].d != time.Second {
		t.Errorf("armed delay = %v, want 1s", (*timers)[0].d)
	}
}

func TestScheduleReplacesPending(t *testing.T) {
	s, st, timers, now := newTestScheduler(t)

	s.Schedule("T8113", *now, "/media/first.dat", intPtr(1))
	s.Schedule("T8113", *now, "/media/second.dat", intPtr(2))

	p, ok := s.Pending("T8113")
	if !ok {
		t.Fatal("no pending download")
	}
	if p.Path != "/media/second.dat" || p.Cipher != 2 {
		t.Errorf("pending = %+v, want second call params", p)
	}
	if !(*timers)[0].stopped {
		t.Error("first timer not stopped")
	}

	// Even if the stale timer callback still runs, it must not start anything.
	(*timers)[0].f()
	(*timers)[1].f()

	if len(st.calls) != 1 {
		t.Fatalf("downloads started = %d, want 1", len(st.calls))
	}
	want := call{"T8010", "T8113", "/media/second.dat", 2}
	if st.calls[0] != want {
		t.Errorf("call = %+v, want %+v", st.calls[0], want)
	}
	if _, ok := s.Pending("T8113"); ok {
		t.Error("pending record not removed after fire")
	}
}

func TestScheduleNoOps(t *testing.T) {
	s, _, timers, now := newTestScheduler(t)

	if d, err := s.Schedule("T8113", *now, "", intPtr(1)); err != nil || d != 0 {
		t.Errorf("empty path: d=%v err=%v", d, err)
	}
	if d, err := s.Schedule("T8113", *now, "/media/a.dat", nil); err != nil || d != 0 {
		t.Errorf("nil cipher: d=%v err=%v", d, err)
	}
	if len(*timers) != 0 {
		t.Errorf("timers armed = %d, want 0", len(*timers))
	}
}

func TestScheduleUnknownDevice(t *testing.T) {
	s, _, _, now := newTestScheduler(t)
	_, err := s.Schedule("missing", *now, "/media/a.dat", intPtr(1))
	if !errors.Is(err, registry.ErrUnknownEntity) {
		t.Errorf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestCancel(t *testing.T) {
	s, st, timers, now := newTestScheduler(t)
	s.Schedule("T8113", *now, "/media/a.dat", intPtr(1))
	if !s.Cancel("T8113") {
		t.Fatal("cancel reported nothing pending")
	}
	(*timers)[0].f()
	if len(st.calls) != 0 {
		t.Error("cancelled download started")
	}
}

func TestScheduleFiresWithRealTimer(t *testing.T) {
	reg := registry.New()
	reg.AddDevice(&registry.Device{
		Serial:        "D1",
		StationSerial: "S1",
		Properties: map[string]registry.PropertyValue{
			registry.RawKey(int(eufy.ParamClipLength)): {Value: "1"},
		},
	})
	st := &stubStarter{done: make(chan struct{}, 1)}
	s := New(st, reg, testLogger())

	// Clip already over: clamps to the 1s floor.
	s.Schedule("D1", time.Now().Add(-time.Hour), "/media/a.dat", intPtr(9))
	select {
	case <-st.done:
	case <-time.After(3 * time.Second):
		t.Fatal("download not started")
	}
}
