// Package registry holds the authoritative in-memory view of stations and
// devices, keyed by serial.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"eufy-go-home/internal/eufy"
)

var (
	ErrDuplicateEntity = errors.New("duplicate entity")
	ErrUnknownEntity   = errors.New("unknown entity")
)

// PropertyValue is a property value with the time the station reported it.
type PropertyValue struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Station is a hub coordinating channel-addressed devices.
type Station struct {
	Serial          string                   `json:"serial"`
	Name            string                   `json:"name"`
	Model           string                   `json:"model"`
	Type            eufy.DeviceType          `json:"type"`
	HardwareVersion string                   `json:"hardware_version"`
	SoftwareVersion string                   `json:"software_version"`
	MACAddress      string                   `json:"mac_address,omitempty"`
	LANIPAddress    string                   `json:"lan_ip_address,omitempty"`
	Properties      map[string]PropertyValue `json:"properties,omitempty"`
}

// Device is a camera, sensor, lock or keypad bound to a station.
type Device struct {
	Serial          string                   `json:"serial"`
	Name            string                   `json:"name"`
	Model           string                   `json:"model"`
	Type            eufy.DeviceType          `json:"type"`
	StationSerial   string                   `json:"station_serial"`
	Channel         int                      `json:"channel"`
	HardwareVersion string                   `json:"hardware_version"`
	SoftwareVersion string                   `json:"software_version"`
	MACAddress      string                   `json:"mac_address,omitempty"`
	Properties      map[string]PropertyValue `json:"properties,omitempty"`
}

// Kind returns the device variant.
func (d *Device) Kind() eufy.Kind { return d.Type.Kind() }

// Capabilities returns the capability set of the device type.
func (d *Device) Capabilities() eufy.Capabilities { return d.Type.Capabilities() }

// IsCamera reports whether the device can stream video.
func (d *Device) IsCamera() bool { return d.Capabilities().Has(eufy.CapCamera) }

// Property returns a property value by name.
func (d *Device) Property(name string) (PropertyValue, bool) {
	v, ok := d.Properties[name]
	return v, ok
}

// RawKey is the property name under which a raw parameter code is recorded.
func RawKey(code int) string { return strconv.Itoa(code) }

// ClipLength returns the recording clip length the device reports, falling
// back to the vendor default.
func (d *Device) ClipLength() time.Duration {
	if v, ok := d.Properties[RawKey(int(eufy.ParamClipLength))]; ok {
		if n, err := strconv.Atoi(v.Value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return eufy.DefaultClipLength * time.Second
}

func (s *Station) clone() *Station {
	c := *s
	c.Properties = cloneProps(s.Properties)
	return &c
}

func (d *Device) clone() *Device {
	c := *d
	c.Properties = cloneProps(d.Properties)
	return &c
}

func cloneProps(p map[string]PropertyValue) map[string]PropertyValue {
	if p == nil {
		return nil
	}
	out := make(map[string]PropertyValue, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type channelKey struct {
	station string
	channel int
}

// Registry is the keyed store of stations and devices. Readers receive
// copies; mutation goes through the Add/Update/SetProperty methods.
type Registry struct {
	mu        sync.RWMutex
	stations  map[string]*Station
	devices   map[string]*Device
	byChannel map[channelKey]string

	locks keyedMutex
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		stations:  make(map[string]*Station),
		devices:   make(map[string]*Device),
		byChannel: make(map[channelKey]string),
	}
}

// Lock acquires the per-serial lock used to linearize updates to one
// entity across components. It returns the unlock function.
func (r *Registry) Lock(serial string) func() {
	return r.locks.lock(serial)
}

func (r *Registry) exists(serial string) bool {
	_, s := r.stations[serial]
	_, d := r.devices[serial]
	return s || d
}

func (r *Registry) AddStation(st *Station) error {
	if st == nil || st.Serial == "" {
		return fmt.Errorf("add station: empty serial")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(st.Serial) {
		return fmt.Errorf("add station %s: %w", st.Serial, ErrDuplicateEntity)
	}
	r.stations[st.Serial] = st.clone()
	return nil
}

// UpdateStation replaces the attributes of a known station. Properties
// already recorded are kept unless the update carries newer values.
func (r *Registry) UpdateStation(st *Station) error {
	if st == nil {
		return fmt.Errorf("update station: nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.stations[st.Serial]
	if !ok {
		return fmt.Errorf("update station %s: %w", st.Serial, ErrUnknownEntity)
	}
	next := st.clone()
	next.Properties = mergeProps(cur.Properties, st.Properties)
	r.stations[st.Serial] = next
	return nil
}

func (r *Registry) AddDevice(dev *Device) error {
	if dev == nil || dev.Serial == "" {
		return fmt.Errorf("add device: empty serial")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(dev.Serial) {
		return fmt.Errorf("add device %s: %w", dev.Serial, ErrDuplicateEntity)
	}
	r.devices[dev.Serial] = dev.clone()
	r.byChannel[channelKey{dev.StationSerial, dev.Channel}] = dev.Serial
	return nil
}

func (r *Registry) UpdateDevice(dev *Device) error {
	if dev == nil {
		return fmt.Errorf("update device: nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.devices[dev.Serial]
	if !ok {
		return fmt.Errorf("update device %s: %w", dev.Serial, ErrUnknownEntity)
	}
	if cur.StationSerial != dev.StationSerial || cur.Channel != dev.Channel {
		delete(r.byChannel, channelKey{cur.StationSerial, cur.Channel})
	}
	next := dev.clone()
	next.Properties = mergeProps(cur.Properties, dev.Properties)
	r.devices[dev.Serial] = next
	r.byChannel[channelKey{dev.StationSerial, dev.Channel}] = dev.Serial
	return nil
}

func mergeProps(cur, upd map[string]PropertyValue) map[string]PropertyValue {
	out := cloneProps(cur)
	if out == nil {
		out = make(map[string]PropertyValue, len(upd))
	}
	for k, v := range upd {
		if old, ok := out[k]; ok && v.Timestamp.Before(old.Timestamp) {
			continue
		}
		out[k] = v
	}
	return out
}

// SetProperty records a property value on a station or device. Values
// older than the recorded one are ignored; the return reports whether the
// value was applied.
func (r *Registry) SetProperty(serial, name, value string, ts time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var props *map[string]PropertyValue
	if st, ok := r.stations[serial]; ok {
		props = &st.Properties
	} else if dev, ok := r.devices[serial]; ok {
		props = &dev.Properties
	} else {
		return false, fmt.Errorf("set property %s on %s: %w", name, serial, ErrUnknownEntity)
	}
	if *props == nil {
		*props = make(map[string]PropertyValue)
	}
	if old, ok := (*props)[name]; ok && ts.Before(old.Timestamp) {
		return false, nil
	}
	(*props)[name] = PropertyValue{Value: value, Timestamp: ts}
	return true, nil
}

// Station returns a copy of the station.
func (r *Registry) Station(serial string) (*Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stations[serial]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// Device returns a copy of the device.
func (r *Registry) Device(serial string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[serial]
	if !ok {
		return nil, false
	}
	return dev.clone(), true
}

// Get returns the station or device with the serial. Exactly one of the
// results is non-nil when err is nil.
func (r *Registry) Get(serial string) (*Station, *Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.stations[serial]; ok {
		return st.clone(), nil, nil
	}
	if dev, ok := r.devices[serial]; ok {
		return nil, dev.clone(), nil
	}
	return nil, nil, fmt.Errorf("get %s: %w", serial, ErrUnknownEntity)
}

// DeviceByChannel resolves a station channel to its device.
func (r *Registry) DeviceByChannel(station string, channel int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sn, ok := r.byChannel[channelKey{station, channel}]
	if !ok {
		return nil, false
	}
	dev, ok := r.devices[sn]
	if !ok {
		return nil, false
	}
	return dev.clone(), true
}

// Stations lists all stations ordered by serial.
func (r *Registry) Stations() []*Station {
	r.mu.RLock()
	out := make([]*Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Devices lists all devices ordered by serial.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// StationDevices lists the devices bound to a station.
func (r *Registry) StationDevices(station string) []*Device {
	var out []*Device
	for _, dev := range r.Devices() {
		if dev.StationSerial == station {
			out = append(out, dev)
		}
	}
	return out
}

// List returns the serials of every known entity.
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.stations)+len(r.devices))
	for sn := range r.stations {
		out = append(out, sn)
	}
	for sn := range r.devices {
		out = append(out, sn)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
