// Package livestream runs one live media session per camera: local P2P
// first, a single relay fallback when the station refuses the realtime
// media start, and a hard timeout on every session.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
)

var (
	ErrAlreadyStreaming = errors.New("already streaming")
	ErrNotCamera        = errors.New("device is not a camera")
)

// State of a session.
type State int

const (
	Idle State = iota
	Starting
	Streaming
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Mode is the media path of a session.
type Mode int

const (
	Local Mode = iota
	Relay
)

func (m Mode) String() string {
	if m == Relay {
		return "relay"
	}
	return "local"
}

// LocalStreamer is the station P2P side of the device collaborator.
type LocalStreamer interface {
	StationConnected(station string) bool
	IsLivestreaming(station, device string) bool
	StartLivestream(ctx context.Context, station, device string) error
	StopLivestream(ctx context.Context, station, device string) error
}

// RelayStreamer asks the cloud to proxy a camera stream and returns the
// RTMP url it is published on.
type RelayStreamer interface {
	StartStream(ctx context.Context, device string) (string, error)
	StopStream(ctx context.Context, device string) error
}

// Handle is a running transcode.
type Handle interface {
	URL() string
	Stop()
}

// RelayMedia starts the transcode of a relay stream.
type RelayMedia interface {
	StartRelay(ctx context.Context, station, device, url string) (Handle, error)
}

// Notifier receives session start/stop notifications.
type Notifier interface {
	LivestreamStarted(station, device, url string)
	LivestreamStopped(station, device string)
}

// Devices resolves device serials.
type Devices interface {
	Device(serial string) (*registry.Device, bool)
}

// Config holds the session limits.
type Config struct {
	MaxDuration time.Duration // hard timeout of every session
	RelayWarmup time.Duration // wait between relay start and transcode start
}

type session struct {
	station  string
	mode     Mode
	state    State
	started  time.Time
	deadline time.Time
	attempt  uint64
	fallback bool // relay fallback already used for this attempt
	timer    *time.Timer
	handle   Handle
}

// Info is a snapshot of a session.
type Info struct {
	Device   string    `json:"device"`
	Station  string    `json:"station"`
	Mode     string    `json:"mode"`
	State    string    `json:"state"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`
	URL      string    `json:"url,omitempty"`
}

// Manager owns the session table.
type Manager struct {
	cfg      Config
	devices  Devices
	local    LocalStreamer
	relay    RelayStreamer
	media    RelayMedia
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	attempts uint64
}

func New(cfg Config, devices Devices, local LocalStreamer, relay RelayStreamer, media RelayMedia, notifier Notifier, logger *slog.Logger) *Manager {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Second
	}
	if cfg.RelayWarmup < 0 {
		cfg.RelayWarmup = 0
	}
	return &Manager{
		cfg:      cfg,
		devices:  devices,
		local:    local,
		relay:    relay,
		media:    media,
		notifier: notifier,
		logger:   logger.With("component", "livestream"),
		sessions: make(map[string]*session),
	}
}

// Start opens a session for device.
func (m *Manager) Start(ctx context.Context, device string) error {
	dev, ok := m.devices.Device(device)
	if !ok {
		return fmt.Errorf("start livestream %s: %w", device, registry.ErrUnknownEntity)
	}
	if !dev.IsCamera() {
		return fmt.Errorf("start livestream %s: %w", device, ErrNotCamera)
	}
	station := dev.StationSerial
	connected := m.local.StationConnected(station)
	busy := connected && m.local.IsLivestreaming(station, device)

	m.mu.Lock()
	if s, ok := m.sessions[device]; ok && s.state != Idle {
		m.mu.Unlock()
		m.logger.Warn("already streaming", "serial", device, "state", s.state)
		return fmt.Errorf("start livestream %s: %w", device, ErrAlreadyStreaming)
	}
	if busy {
		m.mu.Unlock()
		m.logger.Warn("station already streaming device", "serial", device)
		return fmt.Errorf("start livestream %s: %w", device, ErrAlreadyStreaming)
	}
	m.attempts++
	s := &session{
		station: station,
		state:   Starting,
		started: time.Now(),
		attempt: m.attempts,
	}
	if connected {
		s.mode = Local
	} else {
		s.mode = Relay
		s.fallback = true
	}
	m.sessions[device] = s
	attempt := s.attempt
	m.mu.Unlock()

	if !connected {
		m.logger.Info("station not connected, using relay stream", "serial", device)
		return m.startRelay(ctx, device, station, attempt)
	}

	err := m.local.StartLivestream(ctx, station, device)
	switch {
	case err == nil:
		if !m.enterStreaming(device, attempt, Local, nil) {
			if m.relayTookOver(device, attempt) {
				m.logger.Debug("local start returned after relay fallback", "serial", device)
				return nil
			}
			// Stopped while the start was in flight.
			m.local.StopLivestream(context.WithoutCancel(ctx), station, device)
			return nil
		}
		m.logger.Info("livestream started", "serial", device, "mode", Local)
		return nil
	case eufy.IsMediaStartFailure(err):
		m.logger.Debug("local media start refused, falling back to relay", "serial", device, "err", err)
		if !m.claimFallback(device, attempt) {
			return fmt.Errorf("start livestream %s: %w", device, err)
		}
		return m.startRelay(ctx, device, station, attempt)
	default:
		m.reset(device, attempt)
		return fmt.Errorf("start livestream %s: %w", device, err)
	}
}

// HandleStartFailure is called when a station reports, after the fact,
// that the realtime media start of a device failed. At most one relay
// fallback is made per start attempt.
func (m *Manager) HandleStartFailure(ctx context.Context, station string, device string) error {
	m.mu.Lock()
	s, ok := m.sessions[device]
	if !ok || s.state == Idle || s.state == Stopping || s.mode != Local {
		m.mu.Unlock()
		m.logger.Debug("media start failure without local session", "serial", device)
		return nil
	}
	attempt := s.attempt
	m.mu.Unlock()

	if !m.claimFallback(device, attempt) {
		m.logger.Debug("relay fallback already used", "serial", device)
		return nil
	}
	m.logger.Info("falling back to relay stream", "serial", device)
	return m.startRelay(ctx, device, station, attempt)
}

// claimFallback switches the session of attempt to relay mode. It returns
// false when the fallback was already taken or the attempt is gone.
func (m *Manager) claimFallback(device string, attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device]
	if !ok || s.attempt != attempt || s.fallback {
		return false
	}
	s.fallback = true
	s.mode = Relay
	s.state = Starting
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.handle != nil {
		go s.handle.Stop()
		s.handle = nil
	}
	return true
}

func (m *Manager) startRelay(ctx context.Context, device, station string, attempt uint64) error {
	url, err := m.relay.StartStream(ctx, device)
	if err != nil {
		m.reset(device, attempt)
		m.notifier.LivestreamStopped(station, device)
		return fmt.Errorf("start relay stream %s: %w", device, err)
	}

	if m.cfg.RelayWarmup > 0 {
		select {
		case <-time.After(m.cfg.RelayWarmup):
		case <-ctx.Done():
			m.relay.StopStream(context.WithoutCancel(ctx), device)
			m.reset(device, attempt)
			return ctx.Err()
		}
	}

	h, err := m.media.StartRelay(ctx, station, device, url)
	if err != nil {
		m.relay.StopStream(context.WithoutCancel(ctx), device)
		m.reset(device, attempt)
		m.notifier.LivestreamStopped(station, device)
		return fmt.Errorf("transcode relay stream %s: %w", device, err)
	}

	if !m.enterStreaming(device, attempt, Relay, h) {
		h.Stop()
		m.relay.StopStream(context.WithoutCancel(ctx), device)
		return nil
	}
	m.logger.Info("livestream started", "serial", device, "mode", Relay)
	m.notifier.LivestreamStarted(station, device, h.URL())
	return nil
}

// enterStreaming moves the session of attempt to Streaming and arms the
// timeout. It returns false when the attempt was stopped meanwhile or has
// switched to another mode.
func (m *Manager) enterStreaming(device string, attempt uint64, mode Mode, h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device]
	if !ok || s.attempt != attempt || s.mode != mode || s.state != Starting {
		return false
	}
	s.state = Streaming
	if h != nil {
		s.handle = h
	}
	s.deadline = time.Now().Add(m.cfg.MaxDuration)
	s.timer = time.AfterFunc(m.cfg.MaxDuration, func() { m.expire(device, attempt) })
	return true
}

// relayTookOver reports whether attempt is still live in relay mode.
func (m *Manager) relayTookOver(device string, attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device]
	return ok && s.attempt == attempt && s.mode == Relay && s.state != Idle
}

// AcceptsLocal reports whether a local stream of device may be transcoded.
// A relay session owns the output files of the device while it runs.
func (m *Manager) AcceptsLocal(device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device]
	return !ok || s.mode != Relay || s.state == Idle
}

func (m *Manager) reset(device string, attempt uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[device]; ok && s.attempt == attempt {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.sessions, device)
	}
}

func (m *Manager) expire(device string, attempt uint64) {
	m.mu.Lock()
	s, ok := m.sessions[device]
	current := ok && s.attempt == attempt && s.state == Streaming
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Info("livestream reached maximum duration", "serial", device, "max", m.cfg.MaxDuration)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.Stop(ctx, device); err != nil {
		m.logger.Warn("stop expired livestream", "serial", device, "err", err)
	}
}

// AttachLocal binds the transcode of a local stream the station has begun
// sending. A stream nobody asked for is adopted as a new session.
func (m *Manager) AttachLocal(station, device string, h Handle) {
	m.mu.Lock()
	s, ok := m.sessions[device]
	switch {
	case ok && s.mode == Relay:
		m.mu.Unlock()
		m.logger.Debug("dropping local stream, relay session active", "serial", device)
		h.Stop()
		return
	case ok && (s.state == Starting || s.state == Streaming):
		if s.handle != nil && s.handle != h {
			go s.handle.Stop()
		}
		s.handle = h
	case !ok || s.state == Idle:
		m.attempts++
		attempt := m.attempts
		s = &session{station: station, mode: Local, state: Streaming, started: time.Now(), attempt: attempt, handle: h}
		s.deadline = s.started.Add(m.cfg.MaxDuration)
		s.timer = time.AfterFunc(m.cfg.MaxDuration, func() { m.expire(device, attempt) })
		m.sessions[device] = s
	default:
		m.mu.Unlock()
		h.Stop()
		return
	}
	m.mu.Unlock()
	m.notifier.LivestreamStarted(station, device, h.URL())
}

// Stop ends the session of device. Stopping an idle device only logs.
func (m *Manager) Stop(ctx context.Context, device string) error {
	m.mu.Lock()
	s, ok := m.sessions[device]
	if !ok || s.state == Idle || s.state == Stopping {
		m.mu.Unlock()
		m.logger.Warn("livestream not running", "serial", device)
		return nil
	}
	s.state = Stopping
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	station, mode, h, attempt := s.station, s.mode, s.handle, s.attempt
	s.handle = nil
	m.mu.Unlock()

	var err error
	switch mode {
	case Local:
		if m.local.StationConnected(station) && m.local.IsLivestreaming(station, device) {
			err = m.local.StopLivestream(ctx, station, device)
		}
	case Relay:
		err = m.relay.StopStream(ctx, device)
	}
	if h != nil {
		h.Stop()
	}

	m.reset(device, attempt)
	m.notifier.LivestreamStopped(station, device)
	if err != nil {
		return fmt.Errorf("stop livestream %s: %w", device, err)
	}
	m.logger.Info("livestream stopped", "serial", device, "mode", mode)
	return nil
}

// Stopped records that the station ended the stream of device on its own.
func (m *Manager) Stopped(station, device string) {
	m.mu.Lock()
	s, ok := m.sessions[device]
	if !ok || s.state == Stopping || s.mode != Local {
		m.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	h := s.handle
	delete(m.sessions, device)
	m.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	m.notifier.LivestreamStopped(station, device)
}

// StationClosed drops the sessions of every device of a station whose
// link went down.
func (m *Manager) StationClosed(station string) {
	m.mu.Lock()
	var closed []string
	var handles []Handle
	for sn, s := range m.sessions {
		if s.station != station || s.mode != Local {
			continue
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		delete(m.sessions, sn)
		closed = append(closed, sn)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	for _, sn := range closed {
		m.notifier.LivestreamStopped(station, sn)
	}
}

// StopAll stops every session.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	devices := make([]string, 0, len(m.sessions))
	for sn := range m.sessions {
		devices = append(devices, sn)
	}
	m.mu.Unlock()

	for _, sn := range devices {
		if err := m.Stop(ctx, sn); err != nil {
			m.logger.Warn("stop livestream on shutdown", "serial", sn, "err", err)
		}
	}
}

// State returns the session state of device.
func (m *Manager) State(device string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[device]; ok {
		return s.state
	}
	return Idle
}

// Session returns a snapshot of the session of device.
func (m *Manager) Session(device string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[device]
	if !ok {
		return Info{}, false
	}
	info := Info{
		Device:   device,
		Station:  s.station,
		Mode:     s.mode.String(),
		State:    s.state.String(),
		Started:  s.started,
		Deadline: s.deadline,
	}
	if s.handle != nil {
		info.URL = s.handle.URL()
	}
	return info, true
}

// Sessions lists every active session.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	devices := make([]string, 0, len(m.sessions))
	for sn := range m.sessions {
		devices = append(devices, sn)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(devices))
	for _, sn := range devices {
		if info, ok := m.Session(sn); ok {
			out = append(out, info)
		}
	}
	return out
}
