// Package download times the retrieval of recorded event clips so that the
// fetch starts once the camera has finished recording.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eufy-go-home/internal/registry"
)

// MinDelay is the floor applied when the recording window has already
// elapsed.
const MinDelay = time.Second

// Starter starts the transfer of a recorded clip from the station.
type Starter interface {
	StartDownload(ctx context.Context, station, device, path string, cipher int) error
}

// Devices resolves a device serial.
type Devices interface {
	Device(serial string) (*registry.Device, bool)
}

// Pending describes a scheduled download.
type Pending struct {
	Device   string
	Station  string
	Path     string
	Cipher   int
	Deadline time.Time
}

type timer interface{ Stop() bool }

type job struct {
	Pending
	t   timer
	gen uint64
}

// Scheduler keeps at most one scheduled download per device.
type Scheduler struct {
	starter Starter
	devices Devices
	logger  *slog.Logger
	timeout time.Duration

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu   sync.Mutex
	jobs map[string]*job
	gen  uint64
}

func New(starter Starter, devices Devices, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:   starter,
		devices:   devices,
		logger:    logger.With("component", "download"),
		timeout:   30 * time.Second,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		jobs:      make(map[string]*job),
	}
}

// Delay returns how long to wait before fetching a clip recorded at
// eventTime with the given clip length.
func Delay(clipLength time.Duration, eventTime, now time.Time) time.Duration {
	elapsed := now.Sub(eventTime)
	if elapsed >= clipLength {
		return MinDelay
	}
	return clipLength - elapsed
}

// Schedule (re)schedules the download of the clip at path for device. An
// empty path or missing cipher is ignored. Any schedule already pending for
// the device is replaced.
func (s *Scheduler) Schedule(device string, eventTime time.Time, path string, cipher *int) (time.Duration, error) {
	if path == "" || cipher == nil {
		s.logger.Debug("no clip to download", "serial", device, "path", path)
		return 0, nil
	}
	dev, ok := s.devices.Device(device)
	if !ok {
		return 0, fmt.Errorf("schedule download %s: %w", device, registry.ErrUnknownEntity)
	}

	now := s.now()
	delay := Delay(dev.ClipLength(), eventTime, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[device]; ok {
		old.t.Stop()
		delete(s.jobs, device)
	}
	s.gen++
	gen := s.gen
	j := &job{
		Pending: Pending{
			Device:   device,
			Station:  dev.StationSerial,
			Path:     path,
			Cipher:   *cipher,
			Deadline: now.Add(delay),
		},
		gen: gen,
	}
	j.t = s.afterFunc(delay, func() { s.fire(device, gen) })
	s.jobs[device] = j

	s.logger.Info("downloading event video", "serial", device, "in", delay)
	return delay, nil
}

func (s *Scheduler) fire(device string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[device]
	if !ok || j.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, device)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.starter.StartDownload(ctx, j.Station, j.Device, j.Path, j.Cipher); err != nil {
		s.logger.Error("start download", "serial", device, "path", j.Path, "err", err)
	}
}

// Cancel drops the pending download of device, if any.
func (s *Scheduler) Cancel(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[device]
	if !ok {
		return false
	}
	j.t.Stop()
	delete(s.jobs, device)
	return true
}

// CancelAll drops every pending download.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sn, j := range s.jobs {
		j.t.Stop()
		delete(s.jobs, sn)
	}
}

// Pending returns the scheduled download of device.
func (s *Scheduler) Pending(device string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[device]
	if !ok {
		return Pending{}, false
	}
	return j.Pending, true
}
