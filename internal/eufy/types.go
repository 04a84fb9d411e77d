// Package eufy defines the device model shared by every component and the
// contract of the device communication collaborators (station link, relay
// streams, push service).
package eufy

import (
	"fmt"
	"strings"
)

// DeviceType is the vendor device type code.
type DeviceType int

const (
	TypeStation              DeviceType = 0
	TypeCamera               DeviceType = 1
	TypeSensor               DeviceType = 2
	TypeFloodlight           DeviceType = 3
	TypeCameraE              DeviceType = 4
	TypeDoorbell             DeviceType = 5
	TypeBatteryDoorbell      DeviceType = 7
	TypeCamera2C             DeviceType = 8
	TypeCamera2              DeviceType = 9
	TypeMotionSensor         DeviceType = 10
	TypeKeypad               DeviceType = 11
	TypeCamera2Pro           DeviceType = 14
	TypeCamera2CPro          DeviceType = 15
	TypeBatteryDoorbell2     DeviceType = 16
	TypeIndoorCamera         DeviceType = 30
	TypeIndoorPTCamera       DeviceType = 31
	TypeSoloCamera           DeviceType = 32
	TypeSoloCameraPro        DeviceType = 33
	TypeIndoorCamera1080     DeviceType = 34
	TypeIndoorPTCamera1080   DeviceType = 35
	TypeLockBasic            DeviceType = 50
	TypeLockAdvanced         DeviceType = 51
	TypeLockBasicNoFinger    DeviceType = 52
	TypeLockAdvancedNoFinger DeviceType = 53
)

// Kind is the coarse device variant. Every type maps to exactly one kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindStation
	KindCamera
	KindDoorbell
	KindIndoorCamera
	KindFloodlight
	KindEntrySensor
	KindMotionSensor
	KindKeypad
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindStation:
		return "station"
	case KindCamera:
		return "camera"
	case KindDoorbell:
		return "doorbell"
	case KindIndoorCamera:
		return "indoor_camera"
	case KindFloodlight:
		return "floodlight"
	case KindEntrySensor:
		return "entry_sensor"
	case KindMotionSensor:
		return "motion_sensor"
	case KindKeypad:
		return "keypad"
	case KindLock:
		return "lock"
	}
	return "unknown"
}

// Kind returns the variant of the device type.
func (t DeviceType) Kind() Kind {
	switch t {
	case TypeStation:
		return KindStation
	case TypeCamera, TypeCameraE, TypeCamera2, TypeCamera2C, TypeCamera2Pro,
		TypeCamera2CPro, TypeSoloCamera, TypeSoloCameraPro:
		return KindCamera
	case TypeDoorbell, TypeBatteryDoorbell, TypeBatteryDoorbell2:
		return KindDoorbell
	case TypeIndoorCamera, TypeIndoorPTCamera, TypeIndoorCamera1080, TypeIndoorPTCamera1080:
		return KindIndoorCamera
	case TypeFloodlight:
		return KindFloodlight
	case TypeSensor:
		return KindEntrySensor
	case TypeMotionSensor:
		return KindMotionSensor
	case TypeKeypad:
		return KindKeypad
	case TypeLockBasic, TypeLockAdvanced, TypeLockBasicNoFinger, TypeLockAdvancedNoFinger:
		return KindLock
	}
	return KindUnknown
}

// Capability is a single feature flag of a device.
type Capability uint16

const (
	CapCamera Capability = 1 << iota
	CapDoorbell
	CapIndoor
	CapLock
	CapEntrySensor
	CapMotionSensor
	CapKeypad
	CapBattery
	CapFloodlight
	CapPan
)

// Capabilities is a set of Capability flags.
type Capabilities Capability

func (c Capabilities) Has(f Capability) bool { return Capability(c)&f != 0 }

// Capabilities returns the capability set of the device type.
func (t DeviceType) Capabilities() Capabilities {
	var c Capability
	switch t.Kind() {
	case KindCamera:
		c = CapCamera
		if t != TypeCameraE {
			c |= CapBattery
		}
	case KindDoorbell:
		c = CapCamera | CapDoorbell
		if t != TypeDoorbell {
			c |= CapBattery
		}
	case KindIndoorCamera:
		c = CapCamera | CapIndoor
		if t == TypeIndoorPTCamera || t == TypeIndoorPTCamera1080 {
			c |= CapPan
		}
	case KindFloodlight:
		c = CapCamera | CapFloodlight
	case KindEntrySensor:
		c = CapEntrySensor | CapBattery
	case KindMotionSensor:
		c = CapMotionSensor | CapBattery
	case KindKeypad:
		c = CapKeypad | CapBattery
	case KindLock:
		c = CapLock | CapBattery
	}
	return Capabilities(c)
}

// Channel is the state channel the device's states live under.
func (t DeviceType) Channel() string {
	switch t.Kind() {
	case KindStation:
		return "station"
	case KindCamera, KindDoorbell, KindIndoorCamera, KindFloodlight:
		return "cameras"
	case KindEntrySensor:
		return "entry_sensors"
	case KindMotionSensor:
		return "motion_sensors"
	case KindKeypad:
		return "keypads"
	case KindLock:
		return "locks"
	}
	return "devices"
}

func (t DeviceType) String() string {
	return fmt.Sprintf("%s(%d)", t.Kind(), int(t))
}

// GuardMode is the station's security posture.
type GuardMode int

const (
	GuardAway     GuardMode = 0
	GuardHome     GuardMode = 1
	GuardSchedule GuardMode = 2
	GuardCustom1  GuardMode = 3
	GuardCustom2  GuardMode = 4
	GuardCustom3  GuardMode = 5
	GuardGeo      GuardMode = 47
	GuardDisarmed GuardMode = 63
)

// GuardModeNames maps each guard mode value to its label.
var GuardModeNames = map[GuardMode]string{
	GuardAway:     "AWAY",
	GuardHome:     "HOME",
	GuardSchedule: "SCHEDULE",
	GuardCustom1:  "CUSTOM1",
	GuardCustom2:  "CUSTOM2",
	GuardCustom3:  "CUSTOM3",
	GuardGeo:      "GEO",
	GuardDisarmed: "DISARMED",
}

// Valid reports whether m is a known guard mode.
func (m GuardMode) Valid() bool {
	_, ok := GuardModeNames[m]
	return ok
}

// ParseGuardMode resolves a guard mode label, ignoring case.
func ParseGuardMode(label string) (GuardMode, bool) {
	for mode, name := range GuardModeNames {
		if strings.EqualFold(name, label) {
			return mode, true
		}
	}
	return 0, false
}

// P2PConnectionType selects how stations are reached.
type P2PConnectionType string

const (
	P2POnlyLocal   P2PConnectionType = "only_local"
	P2PPreferLocal P2PConnectionType = "prefer_local"
	P2PQuickest    P2PConnectionType = "quickest"
)

// Valid reports whether c is one of the known connection types.
func (c P2PConnectionType) Valid() bool {
	switch c {
	case P2POnlyLocal, P2PPreferLocal, P2PQuickest:
		return true
	}
	return false
}

// StationChannel is the channel number used by command results addressed
// to the station itself rather than one of its devices.
const StationChannel = 255
