package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"eufy-go-home/internal/cloud"
	"eufy-go-home/internal/credentials"
	"eufy-go-home/internal/debounce"
	"eufy-go-home/internal/download"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/livestream"
	"eufy-go-home/internal/media"
	"eufy-go-home/internal/push"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// Config holds coordinator configuration.
type Config struct {
	Media           media.Layout
	P2PConnection   eufy.P2PConnectionType
	PollingInterval time.Duration
	MaxLivestream   time.Duration
	RelayWarmup     time.Duration
	EventDuration   time.Duration
	Version         string
}

// Cloud is the account API.
type Cloud interface {
	SetToken(token string, expiration time.Time)
	Token() (string, time.Time)
	SetAPIBase(base string)
	APIBase() string
	TrustedTokenExpiration() time.Time

	Authenticate(ctx context.Context) (cloud.AuthResult, error)
	Login(ctx context.Context, verifyCode string) (cloud.AuthResult, error)
	AddTrustDevice(ctx context.Context, verifyCode string) error
	IsTrusted(ctx context.Context) (bool, error)
	Hubs(ctx context.Context) ([]cloud.Hub, error)
	Devices(ctx context.Context) ([]cloud.Device, error)
}

// Gateway is the station, relay and push link.
type Gateway interface {
	eufy.Client
	eufy.PushService
	livestream.RelayStreamer
}

// Deps are the collaborators the coordinator wires together.
type Deps struct {
	Store       store.Store
	Registry    *registry.Registry
	Events      *EventBus
	Gateway     Gateway
	Cloud       Cloud
	Credentials *credentials.Cache
	Transcoder  media.Transcoder
}

// Coordinator mirrors the account's stations and devices into the state
// store and drives the livestream, download and push components.
type Coordinator struct {
	cfg         Config
	store       store.Store
	registry    *registry.Registry
	events      *EventBus
	client      Gateway
	cloud       Cloud
	creds       *credentials.Cache
	writer      *stateWriter
	debouncer   *debounce.Debouncer
	downloads   *download.Scheduler
	pipeline    *media.Pipeline
	livestreams *livestream.Manager
	push        *push.Bridge
	logger      *slog.Logger

	connected atomic.Bool
	logonMu   sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 10 * time.Minute
	}
	if cfg.EventDuration <= 0 {
		cfg.EventDuration = 10 * time.Second
	}
	if cfg.P2PConnection == "" {
		cfg.P2PConnection = eufy.P2PPreferLocal
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		events:   deps.Events,
		client:   deps.Gateway,
		cloud:    deps.Cloud,
		creds:    deps.Credentials,
		logger:   logger.With("component", "coordinator"),
		ctx:      ctx,
		cancel:   cancel,
	}
	hooks := &mediaHooks{c: c}
	c.writer = newStateWriter(deps.Store, deps.Registry)
	c.debouncer = debounce.New(c.writer, logger)
	c.downloads = download.New(deps.Gateway, deps.Registry, logger)
	c.pipeline = media.NewPipeline(cfg.Media, deps.Transcoder, c.writer, hooks, logger)
	c.livestreams = livestream.New(
		livestream.Config{MaxDuration: cfg.MaxLivestream, RelayWarmup: cfg.RelayWarmup},
		deps.Registry, deps.Gateway, deps.Gateway, relayMedia{c.pipeline}, hooks, logger)
	pictures := media.NewPictureFetcher(cfg.Media, c.writer)
	c.push = push.New(c.debouncer, c.downloads, deps.Registry, c.writer, pictures, cfg.EventDuration, logger)

	c.store.OnChange(c.onStoreChange)
	c.registerHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start clears debounced states left over from a previous run, restores
// the cached session and logs on in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	n, err := c.debouncer.SelfHeal(push.DebouncedStates)
	if err != nil {
		return fmt.Errorf("clear debounced states: %w", err)
	}
	if n > 0 {
		c.logger.Info("cleared stale event states", "count", n)
	}

	for _, obj := range []*store.Object{
		{ID: StateConnection, Name: "Connected to cloud", Type: store.TypeBoolean, Role: "indicator.connected", Read: true},
		{ID: StatePushConnection, Name: "Connected to push service", Type: store.TypeBoolean, Role: "indicator.connected", Read: true},
		{ID: StateVerifyCode, Name: "Verification code", Type: store.TypeString, Role: "text", Read: true, Write: true},
	} {
		if _, err := c.store.EnsureObject(obj); err != nil {
			return fmt.Errorf("create %s: %w", obj.ID, err)
		}
	}
	c.setIndicator(StateConnection, false)
	c.setIndicator(StatePushConnection, false)

	for _, st := range c.registry.Stations() {
		c.ensureStationObjects(st)
	}
	for _, dev := range c.registry.Devices() {
		c.ensureDeviceObjects(dev)
	}

	if base := c.creds.APIBase(); base != "" {
		c.cloud.SetAPIBase(base)
	}
	if token, exp := c.creds.Token(); token != "" {
		c.cloud.SetToken(token, exp)
	}
	if err := c.creds.SetVersion(c.cfg.Version); err != nil {
		c.logger.Warn("persist version", "err", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.logon(c.ctx, "")
	}()
	go func() {
		defer c.wg.Done()
		c.pollLoop()
	}()
	return nil
}

// logon authenticates with the cloud, with a verification code when the
// account asked for one, and connects on success.
func (c *Coordinator) logon(ctx context.Context, verifyCode string) {
	c.logonMu.Lock()
	defer c.logonMu.Unlock()

	if verifyCode != "" {
		if _, err := c.cloud.Login(ctx, verifyCode); err != nil {
			c.logger.Error("login with verification code", "err", err)
			return
		}
		if err := c.cloud.AddTrustDevice(ctx, verifyCode); err != nil {
			c.logger.Warn("add trusted device", "err", err)
		}
		c.connect(ctx)
		return
	}

	res, err := c.cloud.Authenticate(ctx)
	if res == cloud.AuthRenew {
		c.logger.Debug("renewing cloud token")
		res, err = c.cloud.Authenticate(ctx)
	}
	switch res {
	case cloud.AuthOK:
		c.connect(ctx)
	case cloud.AuthSendVerifyCode:
		c.logger.Info("verification code sent", "state", StateVerifyCode)
		c.events.Emit(Event{Type: EventVerifyCodeNeeded})
	default:
		c.logger.Error("cloud authentication failed", "result", res, "err", err)
	}
}

func (c *Coordinator) connect(ctx context.Context) {
	c.connected.Store(true)
	c.setIndicator(StateConnection, true)
	c.events.Emit(Event{Type: EventConnection, Data: true})

	if err := c.refresh(ctx); err != nil {
		c.logger.Error("refresh", "err", err)
	}

	token, exp := c.cloud.Token()
	if trusted := c.cloud.TrustedTokenExpiration(); !exp.Equal(trusted) {
		ok, err := c.cloud.IsTrusted(ctx)
		switch {
		case err != nil:
			c.logger.Warn("list trusted devices", "err", err)
		case ok:
			exp = trusted
			c.cloud.SetToken(token, exp)
			c.logger.Debug("client is trusted, token expiration extended", "expires", exp)
		}
	}
	if base := c.cloud.APIBase(); base != "" {
		if err := c.creds.SetAPIBase(base); err != nil {
			c.logger.Error("persist api base", "err", err)
		}
	}
	if token != "" {
		if err := c.creds.SetToken(token, exp); err != nil {
			c.logger.Error("persist token", "err", err)
		}
	}

	if err := c.client.OpenPush(c.creds.PushCredentials(), c.creds.PushPersistentIDs()); err != nil {
		c.logger.Error("register push", "err", err)
	}
	c.connectStations(ctx)
}

func (c *Coordinator) connectStations(ctx context.Context) {
	for _, st := range c.registry.Stations() {
		if c.client.StationConnected(st.Serial) {
			continue
		}
		if err := c.client.ConnectStation(ctx, st.Serial, c.cfg.P2PConnection); err != nil {
			c.logger.Warn("connect station", "serial", st.Serial, "err", err)
		}
	}
}

func (c *Coordinator) disconnect() {
	if c.connected.Swap(false) {
		c.setIndicator(StateConnection, false)
		c.events.Emit(Event{Type: EventConnection, Data: false})
	}
}

func (c *Coordinator) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.connected.Load() {
			continue
		}
		err := c.refresh(c.ctx)
		switch {
		case errors.Is(err, cloud.ErrAuthRenewRequired):
			c.logger.Info("cloud session expired, logging on again")
			c.disconnect()
			c.logon(c.ctx, "")
		case err != nil:
			c.logger.Warn("refresh", "err", err)
		default:
			c.connectStations(c.ctx)
		}
	}
}

// Refresh fetches stations and devices from the cloud now.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.connected.Load() {
		return fmt.Errorf("refresh: %w", cloud.ErrAuthRenewRequired)
	}
	return c.refresh(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) error {
	var (
		hubs    []cloud.Hub
		devices []cloud.Device
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hubs, err = c.cloud.Hubs(gctx)
		if err != nil {
			return fmt.Errorf("list hubs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		devices, err = c.cloud.Devices(gctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, h := range hubs {
		c.upsertStation(h.Station())
	}
	for _, d := range devices {
		c.upsertDevice(d.Device())
	}
	c.logger.Debug("refreshed", "stations", len(hubs), "devices", len(devices))
	c.events.Emit(Event{Type: EventRefresh, Data: map[string]int{"stations": len(hubs), "devices": len(devices)}})
	return nil
}

func (c *Coordinator) upsertStation(st *registry.Station) {
	unlock := c.registry.Lock(st.Serial)
	defer unlock()

	if _, ok := c.registry.Station(st.Serial); ok {
		if err := c.registry.UpdateStation(st); err != nil {
			c.logger.Error("update station", "serial", st.Serial, "err", err)
			return
		}
		c.ensureStationObjects(st)
	} else {
		if err := c.registry.AddStation(st); err != nil {
			c.logger.Error("add station", "serial", st.Serial, "err", err)
			return
		}
		c.ensureStationObjects(st)
		c.logger.Info("station added", "serial", st.Serial, "name", st.Name, "model", st.Model)
		c.events.Emit(Event{Type: EventStationAdded, Data: st})
	}
	if cur, ok := c.registry.Station(st.Serial); ok {
		for key, pv := range cur.Properties {
			c.mirrorRaw(st.Serial, "", key, pv)
		}
	}
}

func (c *Coordinator) upsertDevice(dev *registry.Device) {
	unlock := c.registry.Lock(dev.Serial)
	defer unlock()

	if _, ok := c.registry.Device(dev.Serial); ok {
		if err := c.registry.UpdateDevice(dev); err != nil {
			c.logger.Error("update device", "serial", dev.Serial, "err", err)
			return
		}
		c.ensureDeviceObjects(dev)
	} else {
		if err := c.registry.AddDevice(dev); err != nil {
			c.logger.Error("add device", "serial", dev.Serial, "err", err)
			return
		}
		c.ensureDeviceObjects(dev)
		c.logger.Info("device added", "serial", dev.Serial, "name", dev.Name, "type", dev.Type)
		c.events.Emit(Event{Type: EventDeviceAdded, Data: dev})
	}
	if cur, ok := c.registry.Device(dev.Serial); ok {
		for key, pv := range cur.Properties {
			c.mirrorRaw(dev.StationSerial, dev.Serial, key, pv)
		}
	}
}

func (c *Coordinator) mirrorRaw(station, device, key string, pv registry.PropertyValue) {
	code, err := strconv.Atoi(key)
	if err != nil {
		return
	}
	c.mirrorProperty(eufy.RawPropertyEvent{
		Station:  station,
		Device:   device,
		Type:     eufy.CommandType(code),
		Value:    pv.Value,
		Modified: pv.Timestamp,
	})
}

func (c *Coordinator) setIndicator(id string, v bool) {
	if err := c.store.SetState(id, v, true); err != nil {
		c.logger.Error("set state", "id", id, "err", err)
	}
}

func (c *Coordinator) registerHandlers() {
	c.client.OnStationConnect(func(station string) {
		c.logger.Info("station connected", "serial", station)
		c.events.Emit(Event{Type: EventStationConnect, Data: station})
	})
	c.client.OnStationClose(func(station string) {
		c.logger.Info("station disconnected", "serial", station)
		c.livestreams.StationClosed(station)
		c.events.Emit(Event{Type: EventStationClose, Data: station})
	})
	c.client.OnRawProperty(c.handleRawProperty)
	c.client.OnCommandResult(c.handleCommandResult)

	c.client.OnLivestreamStart(c.handleLivestreamStart)
	c.client.OnLivestreamStop(c.livestreams.Stopped)
	c.client.OnDownloadStart(func(stream *eufy.MediaStream) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.pipeline.RunDownload(c.ctx, stream); err != nil {
				c.logger.Error("event video", "serial", stream.Device, "err", err)
			}
		}()
	})
	c.client.OnDownloadFinish(func(station, device string) {
		c.logger.Debug("download finished", "station", station, "serial", device)
	})
	c.client.OnRTSPURL(func(evt eufy.RTSPURLEvent) {
		dev, ok := c.registry.Device(evt.Device)
		if !ok {
			return
		}
		if _, err := c.store.SetStateChanged(DeviceStateID(dev, StateRTSPStreamURL), evt.URL, time.Now()); err != nil {
			c.logger.Error("set rtsp url", "serial", dev.Serial, "err", err)
		}
	})

	c.client.OnPushMessage(func(msg eufy.PushMessage) {
		c.push.Handle(msg)
		c.events.Emit(Event{Type: EventPushMessage, Data: msg})
	})
	c.client.OnPushConnect(func() {
		c.logger.Info("push service connected")
		c.setIndicator(StatePushConnection, true)
		c.events.Emit(Event{Type: EventPushConnection, Data: true})
	})
	c.client.OnPushClose(func() {
		c.logger.Info("push service disconnected")
		c.setIndicator(StatePushConnection, false)
		c.events.Emit(Event{Type: EventPushConnection, Data: false})
	})
	c.client.OnPushCredentials(func(creds eufy.PushCredentials) {
		if err := c.creds.SetPushCredentials(creds); err != nil {
			c.logger.Error("persist push credentials", "err", err)
		}
	})
}

// Stop shuts down in dependency order: livestreams, held event states,
// pending downloads, the credential file, then the gateway link. The store
// is left open for the caller to close.
func (c *Coordinator) Stop(ctx context.Context) {
	c.livestreams.StopAll(ctx)
	if err := c.debouncer.Shutdown(push.DebouncedStates); err != nil {
		c.logger.Warn("clear event states", "err", err)
	}
	c.downloads.CancelAll()

	c.creds.SetPushPersistentIDs(c.client.PersistentIDs())
	if err := c.creds.Save(); err != nil {
		c.logger.Error("save credentials", "err", err)
	}

	if err := c.client.ClosePush(); err != nil {
		c.logger.Debug("close push", "err", err)
	}
	for _, st := range c.registry.Stations() {
		if c.client.StationConnected(st.Serial) {
			if err := c.client.CloseStation(st.Serial); err != nil {
				c.logger.Debug("close station", "serial", st.Serial, "err", err)
			}
		}
	}
	c.cancel()
	if err := c.client.Close(); err != nil {
		c.logger.Debug("close gateway", "err", err)
	}
	c.wg.Wait()

	c.disconnect()
	c.setIndicator(StatePushConnection, false)
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the entity registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Livestreams returns the livestream session manager.
func (c *Coordinator) Livestreams() *livestream.Manager {
	return c.livestreams
}

// Session reports the livestream session of a device.
func (c *Coordinator) Session(device string) (livestream.Info, bool) {
	return c.livestreams.Session(device)
}

// Downloads returns the download scheduler.
func (c *Coordinator) Downloads() *download.Scheduler {
	return c.downloads
}

// Layout returns the media file layout.
func (c *Coordinator) Layout() media.Layout {
	return c.cfg.Media
}

// Connected reports whether the cloud session is up.
func (c *Coordinator) Connected() bool {
	return c.connected.Load()
}

// handleLivestreamStart transcodes a stream the station began sending. A
// relay session of the device owns its live files, so the station stream
// is refused and closed before the pipeline touches them.
func (c *Coordinator) handleLivestreamStart(stream *eufy.MediaStream) {
	if !c.livestreams.AcceptsLocal(stream.Device) {
		c.logger.Debug("refusing local stream, relay session active", "serial", stream.Device)
		stream.Close()
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), abortTimeout)
			defer cancel()
			if err := c.client.StopLivestream(ctx, stream.Station, stream.Device); err != nil {
				c.logger.Warn("stop refused local stream", "serial", stream.Device, "err", err)
			}
		}()
		return
	}
	job, err := c.pipeline.StartLive(c.ctx, stream)
	if err != nil {
		c.logger.Error("start livestream transcode", "serial", stream.Device, "err", err)
		return
	}
	c.livestreams.AttachLocal(stream.Station, stream.Device, job)
}
