//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge mirrors station and device states to MQTT with HA autodiscovery
// and turns {prefix}/{serial}/set messages into host writes.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	// Per-entity state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // serial -> state name -> value
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:  coord,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("eufy-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateChanged:
		if sc, ok := event.Data.(coordinator.StateChange); ok {
			b.handleStateChange(sc)
		}
	case coordinator.EventStationAdded:
		if st, ok := event.Data.(*registry.Station); ok {
			b.publishDiscovery(buildStationDiscovery(st, b.prefix))
		}
	case coordinator.EventDeviceAdded:
		if dev, ok := event.Data.(*registry.Device); ok {
			b.publishDiscovery(buildDeviceDiscovery(dev, b.prefix))
		}
	}
}

func (b *Bridge) handleStateChange(sc coordinator.StateChange) {
	ref, ok := coordinator.ParseStateID(sc.ID)
	if !ok || !published(ref.State) {
		return
	}
	entity := ref.Station
	if ref.Device != "" {
		entity = ref.Device
	}
	b.updateAndPublishState(entity, ref.State, sc.Val, sc.Deleted)
}

// published reports whether a state belongs in the MQTT payload. Inline
// image markup is too large for a state message.
func published(state string) bool {
	return !strings.HasSuffix(state, "_html")
}

func (b *Bridge) updateAndPublishState(entity, state string, value any, deleted bool) {
	b.mu.Lock()
	m, ok := b.states[entity]
	if !ok {
		m = make(map[string]any)
		b.states[entity] = m
	}
	if deleted {
		delete(m, state)
	} else {
		m[state] = value
	}
	payload := mustJSON(m)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+entity, payload, true)
}

// publishAllStates seeds the accumulator from the store so retained
// payloads are complete after a reconnect.
func (b *Bridge) publishAllStates() {
	states, err := b.coord.Store().ListStates("")
	if err != nil {
		b.logger.Error("list states", "err", err)
		return
	}
	b.mu.Lock()
	for id, st := range states {
		ref, ok := coordinator.ParseStateID(id)
		if !ok || !published(ref.State) {
			continue
		}
		entity := ref.Station
		if ref.Device != "" {
			entity = ref.Device
		}
		if b.states[entity] == nil {
			b.states[entity] = make(map[string]any)
		}
		b.states[entity][ref.State] = st.Val
	}
	payloads := make(map[string][]byte, len(b.states))
	for entity, m := range b.states {
		payloads[entity] = mustJSON(m)
	}
	b.mu.Unlock()

	for entity, payload := range payloads {
		b.publish(b.prefix+"/"+entity, payload, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	reg := b.coord.Registry()
	for _, st := range reg.Stations() {
		b.publishDiscovery(buildStationDiscovery(st, b.prefix))
	}
	for _, dev := range reg.Devices() {
		b.publishDiscovery(buildDeviceDiscovery(dev, b.prefix))
	}
}

func (b *Bridge) publishDiscovery(msgs []discoveryMsg) {
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT subscribe", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	serial := serialFromTopic(b.prefix, topic)
	if serial == "" {
		return
	}
	st, dev, err := b.coord.Registry().Get(serial)
	if err != nil {
		b.logger.Warn("command for unknown entity", "serial", serial)
		return
	}

	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "serial", serial, "err", err)
		return
	}

	for name, raw := range cmd {
		var id string
		if st != nil {
			id = coordinator.StationStateID(st.Serial, name)
		} else {
			id = coordinator.DeviceStateID(dev, name)
		}
		if err := b.coord.WriteState(id, commandValue(name, raw)); err != nil {
			b.logger.Warn("command failed", "serial", serial, "state", name, "err", err)
		}
	}
}

// serialFromTopic extracts the serial of a {prefix}/{serial}/set topic.
func serialFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return ""
	}
	serial, ok := strings.CutSuffix(rest, "/set")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		return ""
	}
	return serial
}

// commandValue normalizes HA payload words into state values.
func commandValue(name string, raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	switch strings.ToUpper(s) {
	case "ON", "LOCK", "PRESS":
		return true
	case "OFF", "UNLOCK":
		return false
	}
	if name == coordinator.StateGuardMode {
		if mode, ok := eufy.ParseGuardMode(s); ok {
			return int(mode)
		}
	}
	return raw
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
