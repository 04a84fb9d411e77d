package coordinator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"eufy-go-home/internal/debounce"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/media"
	"eufy-go-home/internal/push"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// Global state ids.
const (
	StateConnection     = "info.connection"
	StatePushConnection = "info.push_connection"
	StateVerifyCode     = "verify_code"
)

// Device and station state names not owned by another package.
const (
	StateName            = "name"
	StateModel           = "model"
	StateSerial          = "serial_number"
	StateHardwareVersion = "hardware_version"
	StateSoftwareVersion = "software_version"
	StateMACAddress      = "mac_address"
	StateLANIPAddress    = "lan_ip_address"
	StateGuardMode       = push.StateGuardMode
	StateCurrentMode     = push.StateCurrentMode
	StateReboot          = "reboot"

	StateBattery            = "battery"
	StateBatteryTemperature = "battery_temperature"
	StateWifiRSSI           = "wifi_rssi"
	StateEnabled            = "enabled"
	StateWatermark          = "watermark"
	StateAntitheft          = "antitheft_detection"
	StateAutoNightvision    = "auto_nightvision"
	StateMotionDetection    = "motion_detection"
	StateRTSPStream         = "rtsp_stream"
	StateRTSPStreamURL      = "rtsp_stream_url"
	StateLEDStatus          = "led_status"
	StateDeviceState        = "state"
	StateLockStatus         = "lock_status"
	StateLock               = "lock"
	StatePetDetection       = "pet_detection"
	StateSoundDetection     = "sound_detection"
	StateStartStream        = "start_stream"
	StateStopStream         = "stop_stream"
	StateLivestream         = "livestream"
)

// StationStateID is the id of a station state.
func StationStateID(station, state string) string {
	return station + ".station." + state
}

// DeviceStateID is the id of a device state.
func DeviceStateID(dev *registry.Device, state string) string {
	return dev.StationSerial + "." + dev.Type.Channel() + "." + dev.Serial + "." + state
}

// DevicePrefix is the id prefix of every state of dev.
func DevicePrefix(dev *registry.Device) string {
	return dev.StationSerial + "." + dev.Type.Channel() + "." + dev.Serial + "."
}

// StateRef is a parsed entity state id.
type StateRef struct {
	Station string
	Device  string // empty for station states
	State   string
}

// ParseStateID splits a station or device state id. Global ids such as
// info.connection are not entity states.
func ParseStateID(id string) (StateRef, bool) {
	parts := strings.Split(id, ".")
	switch {
	case len(parts) == 3 && parts[1] == "station":
		return StateRef{Station: parts[0], State: parts[2]}, true
	case len(parts) == 4:
		return StateRef{Station: parts[0], Device: parts[2], State: parts[3]}, true
	}
	return StateRef{}, false
}

type stateDef struct {
	name  string
	typ   string
	role  string
	write bool
	when  func(eufy.Capabilities) bool
}

func has(f eufy.Capability) func(eufy.Capabilities) bool {
	return func(c eufy.Capabilities) bool { return c.Has(f) }
}

var stationStates = []stateDef{
	{name: StateName, typ: store.TypeString, role: "info.name"},
	{name: StateModel, typ: store.TypeString, role: "text"},
	{name: StateSerial, typ: store.TypeString, role: "text"},
	{name: StateHardwareVersion, typ: store.TypeString, role: "text"},
	{name: StateSoftwareVersion, typ: store.TypeString, role: "text"},
	{name: StateMACAddress, typ: store.TypeString, role: "info.mac"},
	{name: StateLANIPAddress, typ: store.TypeString, role: "info.ip"},
	{name: StateGuardMode, typ: store.TypeNumber, role: "state", write: true},
	{name: StateCurrentMode, typ: store.TypeNumber, role: "value"},
	{name: StateReboot, typ: store.TypeBoolean, role: "button", write: true},
}

var deviceStates = []stateDef{
	{name: StateName, typ: store.TypeString, role: "info.name"},
	{name: StateModel, typ: store.TypeString, role: "text"},
	{name: StateSerial, typ: store.TypeString, role: "text"},
	{name: StateHardwareVersion, typ: store.TypeString, role: "text"},
	{name: StateSoftwareVersion, typ: store.TypeString, role: "text"},
	{name: StateDeviceState, typ: store.TypeNumber, role: "info.status"},
	{name: StateBattery, typ: store.TypeNumber, role: "value.battery", when: has(eufy.CapBattery)},
	{name: StateBatteryTemperature, typ: store.TypeNumber, role: "value.temperature", when: has(eufy.CapBattery)},
	{name: StateWifiRSSI, typ: store.TypeNumber, role: "value"},

	{name: StateEnabled, typ: store.TypeBoolean, role: "switch.enable", write: true, when: has(eufy.CapCamera)},
	{name: StateStartStream, typ: store.TypeBoolean, role: "button.start", write: true, when: has(eufy.CapCamera)},
	{name: StateStopStream, typ: store.TypeBoolean, role: "button.stop", write: true, when: has(eufy.CapCamera)},
	{name: StateLivestream, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: media.StateLastLiveVideoURL, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: media.StateLastLivePictureURL, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: media.StateLastLivePicture, typ: store.TypeString, role: "html", when: has(eufy.CapCamera)},
	{name: media.StateLastEventVideoURL, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: media.StateLastEventPictureURL, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: media.StateLastEventPicture, typ: store.TypeString, role: "html", when: has(eufy.CapCamera)},
	{name: push.StateMotion, typ: store.TypeBoolean, role: "sensor.motion", when: func(c eufy.Capabilities) bool {
		return c.Has(eufy.CapCamera) || c.Has(eufy.CapMotionSensor)
	}},
	{name: push.StatePerson, typ: store.TypeBoolean, role: "sensor.motion", when: has(eufy.CapCamera)},
	{name: push.StateLastPerson, typ: store.TypeString, role: "text", when: has(eufy.CapCamera)},
	{name: StateLEDStatus, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapCamera)},
	{name: StateAntitheft, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapCamera)},
	{name: StateMotionDetection, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapCamera)},
	{name: StateRTSPStream, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapCamera)},
	{name: StateRTSPStreamURL, typ: store.TypeString, role: "url", when: has(eufy.CapCamera)},
	{name: StateAutoNightvision, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapCamera)},
	{name: StateWatermark, typ: store.TypeNumber, role: "state", write: true, when: has(eufy.CapCamera)},

	{name: push.StateRinging, typ: store.TypeBoolean, role: "sensor", when: has(eufy.CapDoorbell)},

	{name: push.StateCrying, typ: store.TypeBoolean, role: "sensor.noise", when: has(eufy.CapIndoor)},
	{name: push.StateSound, typ: store.TypeBoolean, role: "sensor.noise", when: has(eufy.CapIndoor)},
	{name: push.StatePet, typ: store.TypeBoolean, role: "sensor.motion", when: has(eufy.CapIndoor)},
	{name: StatePetDetection, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapIndoor)},
	{name: StateSoundDetection, typ: store.TypeBoolean, role: "switch", write: true, when: has(eufy.CapIndoor)},

	{name: push.StateSensorOpen, typ: store.TypeBoolean, role: "sensor.door", when: has(eufy.CapEntrySensor)},

	{name: StateLock, typ: store.TypeBoolean, role: "switch.lock", write: true, when: has(eufy.CapLock)},
	{name: StateLockStatus, typ: store.TypeNumber, role: "value", when: has(eufy.CapLock)},
}

func title(name string) string {
	return strings.ToUpper(name[:1]) + strings.ReplaceAll(name[1:], "_", " ")
}

// ensureStationObjects creates the object definitions of a station and
// writes its descriptive states.
func (c *Coordinator) ensureStationObjects(st *registry.Station) {
	for _, def := range stationStates {
		obj := &store.Object{
			ID:    StationStateID(st.Serial, def.name),
			Name:  title(def.name),
			Type:  def.typ,
			Role:  def.role,
			Read:  true,
			Write: def.write,
		}
		if def.name == StateGuardMode {
			obj.States = guardModeStates()
		}
		if _, err := c.store.EnsureObject(obj); err != nil {
			c.logger.Error("create station object", "id", obj.ID, "err", err)
		}
	}
	c.setInfo(StationStateID(st.Serial, StateName), st.Name)
	c.setInfo(StationStateID(st.Serial, StateModel), st.Model)
	c.setInfo(StationStateID(st.Serial, StateSerial), st.Serial)
	c.setInfo(StationStateID(st.Serial, StateHardwareVersion), st.HardwareVersion)
	c.setInfo(StationStateID(st.Serial, StateSoftwareVersion), st.SoftwareVersion)
	c.setInfo(StationStateID(st.Serial, StateMACAddress), st.MACAddress)
	c.setInfo(StationStateID(st.Serial, StateLANIPAddress), st.LANIPAddress)
}

func (c *Coordinator) ensureDeviceObjects(dev *registry.Device) {
	caps := dev.Capabilities()
	for _, def := range deviceStates {
		if def.when != nil && !def.when(caps) {
			continue
		}
		obj := &store.Object{
			ID:    DeviceStateID(dev, def.name),
			Name:  title(def.name),
			Type:  def.typ,
			Role:  def.role,
			Read:  true,
			Write: def.write,
		}
		if _, err := c.store.EnsureObject(obj); err != nil {
			c.logger.Error("create device object", "id", obj.ID, "err", err)
		}
	}
	c.setInfo(DeviceStateID(dev, StateName), dev.Name)
	c.setInfo(DeviceStateID(dev, StateModel), dev.Model)
	c.setInfo(DeviceStateID(dev, StateSerial), dev.Serial)
	c.setInfo(DeviceStateID(dev, StateHardwareVersion), dev.HardwareVersion)
	c.setInfo(DeviceStateID(dev, StateSoftwareVersion), dev.SoftwareVersion)
}

func guardModeStates() map[string]string {
	out := make(map[string]string, len(eufy.GuardModeNames))
	for mode, name := range eufy.GuardModeNames {
		out[fmt.Sprint(int(mode))] = name
	}
	return out
}

func (c *Coordinator) setInfo(id, value string) {
	if value == "" {
		return
	}
	if _, err := c.store.SetStateChanged(id, value, time.Now()); err != nil {
		c.logger.Error("set state", "id", id, "err", err)
	}
}

// stateWriter resolves device serials to state ids and writes acknowledged
// values. It backs the debouncer sink, the push bridge and the media
// publisher.
type stateWriter struct {
	store    store.Store
	registry *registry.Registry

	mu     sync.Mutex
	stored map[string]string // serial -> state prefix found in the store
}

func newStateWriter(st store.Store, reg *registry.Registry) *stateWriter {
	return &stateWriter{store: st, registry: reg, stored: make(map[string]string)}
}

func (w *stateWriter) deviceID(serial, state string) (string, error) {
	if dev, ok := w.registry.Device(serial); ok {
		return DeviceStateID(dev, state), nil
	}
	w.mu.Lock()
	prefix, ok := w.stored[serial]
	w.mu.Unlock()
	if ok {
		return prefix + state, nil
	}
	return "", fmt.Errorf("state %s of %s: %w", state, serial, registry.ErrUnknownEntity)
}

// SetFlag implements debounce.Sink.
func (w *stateWriter) SetFlag(entity, kind string, value bool) error {
	id, err := w.deviceID(entity, kind)
	if err != nil {
		return err
	}
	return w.store.SetState(id, value, true)
}

// ListRaised implements debounce.Sink. Devices not in the registry yet are
// remembered by their stored prefix so the flags can still be cleared.
func (w *stateWriter) ListRaised(kinds []string) ([]debounce.Key, error) {
	states, err := w.store.ListStates("")
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var out []debounce.Key
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, st := range states {
		ref, ok := ParseStateID(id)
		if !ok || ref.Device == "" || !wanted[ref.State] || !st.Bool() {
			continue
		}
		w.stored[ref.Device] = strings.TrimSuffix(id, ref.State)
		out = append(out, debounce.Key{Entity: ref.Device, Kind: ref.State})
	}
	return out, nil
}

// SetDevice implements push.States.
func (w *stateWriter) SetDevice(device, state string, value any) error {
	id, err := w.deviceID(device, state)
	if err != nil {
		return err
	}
	return w.store.SetState(id, value, true)
}

func (w *stateWriter) SetDeviceChanged(device, state string, value any, ts time.Time) error {
	id, err := w.deviceID(device, state)
	if err != nil {
		return err
	}
	_, err = w.store.SetStateChanged(id, value, ts)
	return err
}

func (w *stateWriter) SetStationChanged(station, state string, value any, ts time.Time) error {
	_, err := w.store.SetStateChanged(StationStateID(station, state), value, ts)
	return err
}

// Publish implements media.Publisher.
func (w *stateWriter) Publish(device, state string, value any) error {
	return w.SetDevice(device, state, value)
}
