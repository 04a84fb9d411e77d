//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/push"
	"eufy-go-home/internal/registry"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/eufy_T8113.../motion_detected/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Options           []string `json:"options,omitempty"`
	Device            haDevice `json:"device"`
}

// entity is the addressing shared by all discovery messages of a station
// or device.
type entity struct {
	nodeID     string
	name       string
	stateTopic string
	cmdTopic   string
	avail      string
	device     haDevice
}

func newEntity(serial, name, model, sw, via, prefix string) entity {
	if name == "" {
		name = serial
	}
	e := entity{
		nodeID:     identifier(serial),
		name:       name,
		stateTopic: prefix + "/" + serial,
		cmdTopic:   prefix + "/" + serial + "/set",
		avail:      prefix + "/bridge/state",
		device: haDevice{
			Identifiers:  []string{identifier(serial)},
			Manufacturer: "Eufy",
			Model:        model,
			Name:         name,
			SWVersion:    sw,
		},
	}
	if via != "" {
		e.device.ViaDevice = identifier(via)
	}
	return e
}

// identifier returns the unique identifier for HA device registry.
func identifier(serial string) string {
	return "eufy_" + serial
}

// title turns a state name into a display suffix.
func title(state string) string {
	s := strings.ReplaceAll(state, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

// buildStationDiscovery generates the guard mode select, the current mode
// sensor and the reboot button of a station.
func buildStationDiscovery(st *registry.Station, prefix string) []discoveryMsg {
	e := newEntity(st.Serial, st.Name, st.Model, st.SoftwareVersion, "", prefix)
	return []discoveryMsg{
		e.guardModeSelect(),
		e.sensor(coordinator.StateCurrentMode, "", "", guardModeTemplate(coordinator.StateCurrentMode)),
		e.button(coordinator.StateReboot, "restart"),
	}
}

// binarySensors lists the held event states with their HA device class.
var binarySensors = []struct {
	state string
	class string
	when  eufy.Capability
}{
	{push.StateMotion, "motion", eufy.CapCamera},
	{push.StatePerson, "occupancy", eufy.CapCamera},
	{push.StateRinging, "sound", eufy.CapDoorbell},
	{push.StateCrying, "sound", eufy.CapIndoor},
	{push.StateSound, "sound", eufy.CapIndoor},
	{push.StatePet, "motion", eufy.CapIndoor},
	{push.StateMotion, "motion", eufy.CapMotionSensor},
	{push.StateSensorOpen, "door", eufy.CapEntrySensor},
}

// buildDeviceDiscovery generates HA discovery messages for a device based
// on its capabilities.
func buildDeviceDiscovery(dev *registry.Device, prefix string) []discoveryMsg {
	e := newEntity(dev.Serial, dev.Name, dev.Model, dev.SoftwareVersion, dev.StationSerial, prefix)
	caps := dev.Capabilities()

	var msgs []discoveryMsg
	for _, bs := range binarySensors {
		if caps.Has(bs.when) {
			msgs = append(msgs, e.binarySensor(bs.state, bs.class))
		}
	}
	if caps.Has(eufy.CapCamera) {
		msgs = append(msgs,
			e.button(coordinator.StateStartStream, ""),
			e.button(coordinator.StateStopStream, ""),
			e.sensor(push.StateLastPerson, "", "", ""),
			e.switchEntity(coordinator.StateEnabled),
			e.switchEntity(coordinator.StateMotionDetection),
			e.switchEntity(coordinator.StateLEDStatus),
		)
	}
	if caps.Has(eufy.CapLock) {
		msgs = append(msgs, e.switchEntity(coordinator.StateLock))
	}
	if caps.Has(eufy.CapBattery) {
		msgs = append(msgs, e.sensor(coordinator.StateBattery, "battery", "%", ""))
	}
	msgs = append(msgs, e.sensor(coordinator.StateWifiRSSI, "signal_strength", "dBm", ""))
	return msgs
}

func (e entity) topic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", component, e.nodeID, objectID)
}

func (e entity) base(objectID string) haDiscovery {
	return haDiscovery{
		Name:              e.name + " " + title(objectID),
		UniqueID:          e.nodeID + "_" + objectID,
		AvailabilityTopic: e.avail,
		Device:            e.device,
	}
}

func (e entity) sensor(state, deviceClass, unit, valueTmpl string) discoveryMsg {
	p := e.base(state)
	p.StateTopic = e.stateTopic
	p.DeviceClass = deviceClass
	p.UnitOfMeasurement = unit
	if unit != "" {
		p.StateClass = "measurement"
	}
	p.ValueTemplate = valueTmpl
	if valueTmpl == "" {
		p.ValueTemplate = "{{ value_json." + state + " }}"
	}
	return discoveryMsg{Topic: e.topic("sensor", state), Payload: mustJSON(p)}
}

func (e entity) binarySensor(state, deviceClass string) discoveryMsg {
	p := e.base(state)
	p.StateTopic = e.stateTopic
	p.DeviceClass = deviceClass
	p.ValueTemplate = "{{ 'ON' if value_json." + state + " else 'OFF' }}"
	p.PayloadOn = "ON"
	p.PayloadOff = "OFF"
	return discoveryMsg{Topic: e.topic("binary_sensor", state), Payload: mustJSON(p)}
}

func (e entity) switchEntity(state string) discoveryMsg {
	p := e.base(state)
	p.StateTopic = e.stateTopic
	p.CommandTopic = e.cmdTopic
	p.ValueTemplate = "{{ 'ON' if value_json." + state + " else 'OFF' }}"
	p.CommandTemplate = `{"` + state + `": "{{ value }}"}`
	p.PayloadOn = "ON"
	p.PayloadOff = "OFF"
	return discoveryMsg{Topic: e.topic("switch", state), Payload: mustJSON(p)}
}

func (e entity) button(state, deviceClass string) discoveryMsg {
	p := e.base(state)
	p.CommandTopic = e.cmdTopic
	p.DeviceClass = deviceClass
	p.PayloadPress = `{"` + state + `": true}`
	return discoveryMsg{Topic: e.topic("button", state), Payload: mustJSON(p)}
}

func (e entity) guardModeSelect() discoveryMsg {
	state := coordinator.StateGuardMode
	p := e.base(state)
	p.StateTopic = e.stateTopic
	p.CommandTopic = e.cmdTopic
	p.CommandTemplate = `{"` + state + `": "{{ value }}"}`
	p.ValueTemplate = guardModeTemplate(state)
	p.Options = guardModeOptions()
	return discoveryMsg{Topic: e.topic("select", state), Payload: mustJSON(p)}
}

func sortedGuardModes() []eufy.GuardMode {
	modes := make([]eufy.GuardMode, 0, len(eufy.GuardModeNames))
	for m := range eufy.GuardModeNames {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

func guardModeOptions() []string {
	var out []string
	for _, m := range sortedGuardModes() {
		out = append(out, eufy.GuardModeNames[m])
	}
	return out
}

// guardModeTemplate renders a numeric mode state as its label.
func guardModeTemplate(state string) string {
	var pairs []string
	for _, m := range sortedGuardModes() {
		pairs = append(pairs, fmt.Sprintf("%d: '%s'", int(m), eufy.GuardModeNames[m]))
	}
	return "{{ {" + strings.Join(pairs, ", ") + "}[value_json." + state + " | int] | default('UNKNOWN') }}"
}
