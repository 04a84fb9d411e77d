// Package push classifies push notifications into held event states,
// mode and sensor updates, picture saves and event downloads.
package push

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
)

// Debounced state names.
const (
	StateMotion  = "motion_detected"
	StatePerson  = "person_detected"
	StateRinging = "ringing"
	StateCrying  = "crying_detected"
	StateSound   = "sound_detected"
	StatePet     = "pet_detected"
)

// DebouncedStates lists every state the bridge raises through the
// debouncer.
var DebouncedStates = []string{StateMotion, StatePerson, StateRinging, StateCrying, StateSound, StatePet}

// Other states written by the bridge.
const (
	StateLastPerson  = "last_person_identified"
	StateSensorOpen  = "sensor_open"
	StateGuardMode   = "guard_mode"
	StateCurrentMode = "current_mode"
)

// MotionSensorCooldown is how long a motion sensor reports motion after a
// PIR pulse.
const MotionSensorCooldown = 120 * time.Second

const unknownPerson = "Unknown"

// Raiser holds a boolean state true for a while.
type Raiser interface {
	Raise(entity, kind string, hold time.Duration) error
}

// Downloader schedules event clip downloads.
type Downloader interface {
	Schedule(device string, eventTime time.Time, path string, cipher *int) (time.Duration, error)
}

// Entities resolves serials and serializes per-entity updates.
type Entities interface {
	Device(serial string) (*registry.Device, bool)
	Station(serial string) (*registry.Station, bool)
	SetProperty(serial, name, value string, ts time.Time) (bool, error)
	Lock(serial string) func()
}

// States writes host states.
type States interface {
	SetDevice(device, state string, value any) error
	SetDeviceChanged(device, state string, value any, ts time.Time) error
	SetStationChanged(station, state string, value any, ts time.Time) error
}

// Pictures saves event pictures.
type Pictures interface {
	Save(ctx context.Context, station, device, url string) error
}

// Bridge routes push messages.
type Bridge struct {
	raiser     Raiser
	downloads  Downloader
	entities   Entities
	states     States
	pictures   Pictures
	hold       time.Duration
	logger     *slog.Logger
	pictureCtx context.Context
}

func New(raiser Raiser, downloads Downloader, entities Entities, states States, pictures Pictures, hold time.Duration, logger *slog.Logger) *Bridge {
	return &Bridge{
		raiser:     raiser,
		downloads:  downloads,
		entities:   entities,
		states:     states,
		pictures:   pictures,
		hold:       hold,
		logger:     logger.With("component", "push"),
		pictureCtx: context.Background(),
	}
}

func isDoorbell(t int) bool {
	switch eufy.DeviceType(t) {
	case eufy.TypeDoorbell, eufy.TypeBatteryDoorbell, eufy.TypeBatteryDoorbell2:
		return true
	}
	return false
}

func isIndoor(t int) bool {
	switch eufy.DeviceType(t) {
	case eufy.TypeIndoorCamera, eufy.TypeIndoorPTCamera, eufy.TypeIndoorCamera1080, eufy.TypeIndoorPTCamera1080:
		return true
	}
	return false
}

// Handle processes one push message. It never panics.
func (b *Bridge) Handle(msg eufy.PushMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("push handler panic", "panic", r, "type", msg.Type, "event_type", msg.EventType)
		}
	}()

	switch {
	case msg.Type == eufy.ServerPushVerification:
		b.logger.Debug("push verification received", "msg", msg)
	case isDoorbell(msg.Type):
		b.handleDoorbell(msg)
	case isIndoor(msg.Type):
		b.handleIndoor(msg)
	case msg.EventType != 0:
		b.handleGeneric(msg)
	default:
		b.logger.Warn("unhandled push message", "msg", msg)
	}
}

func (b *Bridge) device(msg eufy.PushMessage, family string) (*registry.Device, func(), bool) {
	dev, ok := b.entities.Device(msg.DeviceSN)
	if !ok {
		b.logger.Debug("push for unknown device", "family", family, "serial", msg.DeviceSN)
		return nil, nil, false
	}
	return dev, b.entities.Lock(dev.Serial), true
}

func (b *Bridge) handleDoorbell(msg eufy.PushMessage) {
	dev, unlock, ok := b.device(msg, "doorbell")
	if !ok {
		return
	}
	defer unlock()

	switch msg.EventType {
	case eufy.DoorbellPushMotion:
		b.raise(dev.Serial, StateMotion, b.hold)
	case eufy.DoorbellPushFace:
		b.person(dev.Serial, "")
	case eufy.DoorbellPushPress:
		b.raise(dev.Serial, StateRinging, b.hold)
	default:
		b.logger.Debug("unhandled doorbell push event", "serial", dev.Serial, "event_type", msg.EventType)
	}
	b.media(dev, msg)
}

func (b *Bridge) handleIndoor(msg eufy.PushMessage) {
	dev, unlock, ok := b.device(msg, "indoor")
	if !ok {
		return
	}
	defer unlock()

	switch msg.EventType {
	case eufy.IndoorPushMotion:
		b.raise(dev.Serial, StateMotion, b.hold)
	case eufy.IndoorPushFace:
		b.person(dev.Serial, "")
	case eufy.IndoorPushCrying:
		b.raise(dev.Serial, StateCrying, b.hold)
	case eufy.IndoorPushSound:
		b.raise(dev.Serial, StateSound, b.hold)
	case eufy.IndoorPushPet:
		b.raise(dev.Serial, StatePet, b.hold)
	default:
		b.logger.Debug("unhandled indoor push event", "serial", dev.Serial, "event_type", msg.EventType)
	}
	b.media(dev, msg)
}

func (b *Bridge) handleGeneric(msg eufy.PushMessage) {
	switch msg.EventType {
	case eufy.CusPushSecurity:
		dev, unlock, ok := b.device(msg, "security")
		if !ok {
			return
		}
		defer unlock()
		if msg.FetchID != 0 {
			b.person(dev.Serial, msg.PersonName)
		} else {
			b.raise(dev.Serial, StateMotion, b.hold)
		}
		b.media(dev, msg)

	case eufy.CusPushModeSwitch:
		b.modeSwitch(msg)

	case eufy.CusPushDoorSensor:
		dev, unlock, ok := b.device(msg, "door sensor")
		if !ok {
			return
		}
		defer unlock()
		open := msg.SensorOpen != nil && *msg.SensorOpen
		ts := eventTime(msg)
		if _, err := b.entities.SetProperty(dev.Serial, StateSensorOpen, strconv.FormatBool(open), ts); err != nil {
			b.logger.Warn("record sensor state", "serial", dev.Serial, "err", err)
		}
		if err := b.states.SetDeviceChanged(dev.Serial, StateSensorOpen, open, ts); err != nil {
			b.logger.Warn("set sensor state", "serial", dev.Serial, "err", err)
		}

	case eufy.CusPushMotionSensorPIR:
		dev, unlock, ok := b.device(msg, "motion sensor")
		if !ok {
			return
		}
		defer unlock()
		b.raise(dev.Serial, StateMotion, MotionSensorCooldown)

	default:
		b.logger.Debug("unhandled push event", "msg", msg)
	}
}

func (b *Bridge) modeSwitch(msg eufy.PushMessage) {
	b.logger.Info("guard mode changed by push", "station", msg.StationSN, "guard_mode", msg.StationGuardMode, "current_mode", msg.StationCurrentMode)
	st, ok := b.entities.Station(msg.StationSN)
	if !ok {
		b.logger.Warn("mode switch for unknown station", "station", msg.StationSN)
		return
	}
	if msg.StationGuardMode == nil || msg.StationCurrentMode == nil {
		b.logger.Warn("mode switch without mode data", "station", st.Serial, "msg", msg)
		return
	}
	unlock := b.entities.Lock(st.Serial)
	defer unlock()

	ts := eventTime(msg)
	for _, m := range []struct {
		state string
		value int
	}{
		{StateGuardMode, *msg.StationGuardMode},
		{StateCurrentMode, *msg.StationCurrentMode},
	} {
		if _, err := b.entities.SetProperty(st.Serial, m.state, strconv.Itoa(m.value), ts); err != nil {
			b.logger.Warn("record mode", "station", st.Serial, "state", m.state, "err", err)
		}
		if err := b.states.SetStationChanged(st.Serial, m.state, m.value, ts); err != nil {
			b.logger.Warn("set mode state", "station", st.Serial, "state", m.state, "err", err)
		}
	}
}

func (b *Bridge) raise(serial, state string, hold time.Duration) {
	if err := b.raiser.Raise(serial, state, hold); err != nil {
		b.logger.Warn("raise event state", "serial", serial, "state", state, "err", err)
	}
}

func (b *Bridge) person(serial, name string) {
	if name == "" {
		name = unknownPerson
	}
	b.raise(serial, StatePerson, b.hold)
	if err := b.states.SetDevice(serial, StateLastPerson, name); err != nil {
		b.logger.Warn("set last person", "serial", serial, "err", err)
	}
}

// media saves the event picture and, on the first delivery of a push,
// schedules the clip download.
func (b *Bridge) media(dev *registry.Device, msg eufy.PushMessage) {
	if msg.PicURL != "" && b.pictures != nil {
		station, serial, url := dev.StationSerial, dev.Serial, msg.PicURL
		go func() {
			if err := b.pictures.Save(b.pictureCtx, station, serial, url); err != nil {
				b.logger.Error("save event picture", "serial", serial, "url", url, "err", err)
			}
		}()
	}
	if msg.PushCount == 1 {
		delay, err := b.downloads.Schedule(dev.Serial, eventTime(msg), msg.FilePath, msg.Cipher)
		if err != nil {
			b.logger.Warn("schedule event download", "serial", dev.Serial, "err", err)
			return
		}
		if msg.FilePath != "" {
			b.logger.Debug("event download scheduled", "serial", dev.Serial, "delay", delay)
		}
	}
}

func eventTime(msg eufy.PushMessage) time.Time {
	if msg.EventTime == 0 {
		return time.Now()
	}
	return time.UnixMilli(msg.EventTime)
}
