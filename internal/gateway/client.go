// Package gateway connects to the device gateway process that holds the
// P2P links to the stations and the push notification registration. It
// speaks JSON over a websocket and implements the station, push and relay
// collaborators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"eufy-go-home/internal/eufy"
)

// ErrNotConnected is returned by commands while the gateway link is down.
var ErrNotConnected = errors.New("gateway not connected")

const (
	readLimit      = 4 << 20
	requestTimeout = 30 * time.Second
	reconnectDelay = 5 * time.Second
	feedBuffer     = 256
)

// Config is the gateway endpoint.
type Config struct {
	URL   string
	Token string
}

type result struct {
	env *envelope
	err error
}

// Client is the websocket gateway client.
type Client struct {
	cfg    Config
	logger *slog.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan result

	stateMu   sync.RWMutex
	stations  map[string]bool
	streaming map[target]bool
	pushIDs   []string

	handlersMu sync.RWMutex
	h          handlers

	feeds *feeds

	closed   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type handlers struct {
	stationConnect  []func(string)
	stationClose    []func(string)
	rawProperty     []func(eufy.RawPropertyEvent)
	commandResult   []func(eufy.CommandResult)
	livestreamStart []func(*eufy.MediaStream)
	livestreamStop  []func(string, string)
	downloadStart   []func(*eufy.MediaStream)
	downloadFinish  []func(string, string)
	rtspURL         []func(eufy.RTSPURLEvent)
	pushMessage     []func(eufy.PushMessage)
	pushConnect     []func()
	pushClose       []func()
	pushCredentials []func(eufy.PushCredentials)
}

// New creates a client. Call Start to connect.
func New(cfg Config, logger *slog.Logger) *Client {
	logger = logger.With("component", "gateway")
	return &Client{
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]chan result),
		stations:  make(map[string]bool),
		streaming: make(map[target]bool),
		feeds:     newFeeds(logger),
		closed:    make(chan struct{}),
	}
}

// Start dials the gateway and keeps the link up until Close.
func (c *Client) Start(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.logger.Info("gateway connected", "url", c.cfg.URL)
	return nil
}

// run reads until the link drops, then redials.
func (c *Client) run() {
	defer c.wg.Done()
	for {
		c.readLoop()
		c.linkLost()

		for {
			select {
			case <-c.closed:
				return
			case <-time.After(reconnectDelay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			err := c.dial(ctx)
			cancel()
			if err == nil {
				break
			}
			c.logger.Warn("gateway reconnect failed", "err", err)
		}
	}
}

func (c *Client) readLoop() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("gateway read failed", "err", err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("gateway sent invalid message", "err", err)
			continue
		}
		switch env.Type {
		case kindResult:
			c.resolve(&env)
		case kindEvent:
			c.dispatch(&env)
		default:
			c.logger.Debug("gateway message ignored", "type", env.Type)
		}
	}
}

// linkLost fails pending requests and reports every station and the push
// link as closed.
func (c *Client) linkLost() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusGoingAway, "")
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- result{err: ErrNotConnected}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.feeds.closeAll()

	c.stateMu.Lock()
	var stations []string
	for sn, up := range c.stations {
		if up {
			stations = append(stations, sn)
		}
	}
	c.stations = make(map[string]bool)
	c.streaming = make(map[target]bool)
	c.stateMu.Unlock()

	c.handlersMu.RLock()
	h := c.h
	c.handlersMu.RUnlock()
	for _, sn := range stations {
		for _, fn := range h.stationClose {
			c.safe(func() { fn(sn) })
		}
	}
	for _, fn := range h.pushClose {
		c.safe(fn)
	}
}

func (c *Client) resolve(env *envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("gateway result without request", "id", env.ID)
		return
	}
	ch <- result{env: env}
}

// request sends a command and waits for its result. out may be nil.
func (c *Client) request(ctx context.Context, command string, params, out any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", command, ErrNotConnected)
	}

	id := uuid.NewString()
	data, err := json.Marshal(envelope{Type: kindRequest, ID: id, Command: command, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}

	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", command, res.err)
		}
		if !res.env.Success {
			return fmt.Errorf("%s: gateway error %d: %s", command, res.env.Code, res.env.Error)
		}
		if out != nil && len(res.env.Result) > 0 {
			if err := json.Unmarshal(res.env.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", command, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, ctx.Err())
	}
}

// Close stops the client and closes the link.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// safe runs a handler, recovering panics so one bad handler cannot kill
// the read loop.
func (c *Client) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gateway handler panic", "panic", r)
		}
	}()
	fn()
}

// Station link

func (c *Client) ConnectStation(ctx context.Context, station string, conn eufy.P2PConnectionType) error {
	return c.request(ctx, cmdStationConnect, map[string]any{"station": station, "p2p_connection_type": string(conn)}, nil)
}

func (c *Client) StationConnected(station string) bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.stations[station]
}

func (c *Client) CloseStation(station string) error {
	return c.request(context.Background(), cmdStationClose, target{Station: station}, nil)
}

// Local media

func (c *Client) StartLivestream(ctx context.Context, station, device string) error {
	return c.request(ctx, cmdStartLivestream, target{station, device}, nil)
}

func (c *Client) StopLivestream(ctx context.Context, station, device string) error {
	return c.request(ctx, cmdStopLivestream, target{station, device}, nil)
}

func (c *Client) IsLivestreaming(station, device string) bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.streaming[target{station, device}]
}

func (c *Client) StartDownload(ctx context.Context, station, device, path string, cipher int) error {
	return c.request(ctx, cmdStartDownload, map[string]any{
		"station": station, "device": device, "path": path, "cipher": cipher,
	}, nil)
}

func (c *Client) CancelDownload(ctx context.Context, station, device string) error {
	return c.request(ctx, cmdCancelDownload, target{station, device}, nil)
}

// Commands

func (c *Client) SetGuardMode(ctx context.Context, station string, mode eufy.GuardMode) error {
	return c.request(ctx, cmdSetGuardMode, map[string]any{"station": station, "mode": int(mode)}, nil)
}

func (c *Client) Reboot(ctx context.Context, station string) error {
	return c.request(ctx, cmdReboot, target{Station: station}, nil)
}

func (c *Client) SetDeviceParam(ctx context.Context, station, device string, cmd eufy.CommandType, value int) error {
	return c.request(ctx, cmdSetParam, map[string]any{
		"station": station, "device": device, "command": int(cmd), "value": value,
	}, nil)
}

func (c *Client) SetLock(ctx context.Context, station, device string, locked bool) error {
	return c.request(ctx, cmdSetLock, map[string]any{"station": station, "device": device, "locked": locked}, nil)
}

// Relay

// StartStream asks the cloud to relay a camera stream and returns its
// RTMP url.
func (c *Client) StartStream(ctx context.Context, device string) (string, error) {
	var res relayResult
	if err := c.request(ctx, cmdStartRelay, map[string]any{"device": device}, &res); err != nil {
		return "", err
	}
	if res.URL == "" {
		return "", fmt.Errorf("%s: empty relay url", cmdStartRelay)
	}
	return res.URL, nil
}

func (c *Client) StopStream(ctx context.Context, device string) error {
	return c.request(ctx, cmdStopRelay, map[string]any{"device": device}, nil)
}

// Push

func (c *Client) OpenPush(creds eufy.PushCredentials, persistentIDs []string) error {
	var res pushOpenResult
	err := c.request(context.Background(), cmdPushOpen, pushOpenParams{Credentials: creds, PersistentIDs: persistentIDs}, &res)
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	if res.PersistentIDs != nil {
		c.pushIDs = res.PersistentIDs
	} else {
		c.pushIDs = persistentIDs
	}
	c.stateMu.Unlock()
	return nil
}

func (c *Client) ClosePush() error {
	return c.request(context.Background(), cmdPushClose, nil, nil)
}

func (c *Client) PersistentIDs() []string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return append([]string(nil), c.pushIDs...)
}

var (
	_ eufy.Client      = (*Client)(nil)
	_ eufy.PushService = (*Client)(nil)
)

// drain discards a reader nobody consumes.
func drain(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
