package coordinator

import (
	"errors"
	"strconv"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// lockStatusLocked is the lock_status value reported for a locked lock.
const lockStatusLocked = 4

// ackStates maps a command to the state it acknowledges on success.
var ackStates = map[eufy.CommandType]string{
	eufy.CmdDevsSwitch:                     StateEnabled,
	eufy.CmdDevsSwitchAlt:                  StateEnabled,
	eufy.CommandType(eufy.ParamOpenDevice): StateEnabled,
	eufy.CmdEASSwitch:                      StateAntitheft,
	eufy.CmdIRCutSwitch:                    StateAutoNightvision,
	eufy.CmdPIRSwitch:                      StateMotionDetection,
	eufy.CmdNASSwitch:                      StateRTSPStream,
	eufy.CmdDevLEDSwitch:                   StateLEDStatus,
	eufy.CmdSetDevsOSD:                     StateWatermark,
	eufy.CmdSetArming:                      StateGuardMode,
	eufy.CmdGetAlarmMode:                   StateCurrentMode,
	eufy.CmdIndoorSetPetEnable:             StatePetDetection,
	eufy.CmdIndoorSetSoundDetect:           StateSoundDetection,
	eufy.CmdHubReboot:                      StateReboot,
}

type valueKind int

const (
	asInt valueKind = iota
	asBool
)

type propertyMapping struct {
	state string
	kind  valueKind
}

var deviceProperties = map[eufy.CommandType]propertyMapping{
	eufy.CmdGetBattery:                     {StateBattery, asInt},
	eufy.CmdGetBatteryTemp:                 {StateBatteryTemperature, asInt},
	eufy.CmdGetWifiRSSI:                    {StateWifiRSSI, asInt},
	eufy.CmdDevsSwitch:                     {StateEnabled, asBool},
	eufy.CmdDevsSwitchAlt:                  {StateEnabled, asBool},
	eufy.CommandType(eufy.ParamOpenDevice): {StateEnabled, asBool},
	eufy.CmdSetDevsOSD:                     {StateWatermark, asInt},
	eufy.CmdEASSwitch:                      {StateAntitheft, asBool},
	eufy.CmdIRCutSwitch:                    {StateAutoNightvision, asBool},
	eufy.CmdPIRSwitch:                      {StateMotionDetection, asBool},
	eufy.CmdNASSwitch:                      {StateRTSPStream, asBool},
	eufy.CmdDevLEDSwitch:                   {StateLEDStatus, asBool},
	eufy.CmdGetDevStatus:                   {StateDeviceState, asInt},
	eufy.CmdIndoorSetPetEnable:             {StatePetDetection, asBool},
	eufy.CmdIndoorSetSoundDetect:           {StateSoundDetection, asBool},
}

var stationProperties = map[eufy.CommandType]propertyMapping{
	eufy.CmdSetArming:    {StateGuardMode, asInt},
	eufy.CmdGetAlarmMode: {StateCurrentMode, asInt},
}

func parseBool(v string) bool {
	return v == "1" || v == "true"
}

func convert(kind valueKind, v string) (any, error) {
	if kind == asBool {
		return parseBool(v), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// handleRawProperty records a raw parameter in the registry and mirrors the
// mapped ones into states, stamped with the station's modification time.
func (c *Coordinator) handleRawProperty(evt eufy.RawPropertyEvent) {
	serial := evt.Device
	if serial == "" {
		serial = evt.Station
	}
	unlock := c.registry.Lock(serial)
	defer unlock()

	changed, err := c.registry.SetProperty(serial, registry.RawKey(int(evt.Type)), evt.Value, evt.Modified)
	if err != nil {
		c.logger.Debug("raw property for unknown entity", "serial", serial, "type", int(evt.Type), "err", err)
		return
	}
	if !changed {
		return
	}

	c.mirrorProperty(evt)
}

// mirrorProperty writes the state a raw parameter maps to, if any.
func (c *Coordinator) mirrorProperty(evt eufy.RawPropertyEvent) {
	if evt.Device == "" {
		m, ok := stationProperties[evt.Type]
		if !ok {
			return
		}
		c.writeProperty(StationStateID(evt.Station, m.state), m, evt)
		return
	}

	dev, ok := c.registry.Device(evt.Device)
	if !ok {
		return
	}
	if evt.Type == eufy.CmdDoorlockGetState {
		status, err := strconv.Atoi(evt.Value)
		if err != nil {
			c.logger.Warn("lock status", "serial", dev.Serial, "value", evt.Value, "err", err)
			return
		}
		c.setChanged(DeviceStateID(dev, StateLockStatus), status, evt)
		c.setChanged(DeviceStateID(dev, StateLock), status == lockStatusLocked, evt)
		return
	}
	m, ok := deviceProperties[evt.Type]
	if !ok {
		return
	}
	c.writeProperty(DeviceStateID(dev, m.state), m, evt)
	if evt.Type == eufy.CmdNASSwitch && !parseBool(evt.Value) {
		err := c.store.DeleteState(DeviceStateID(dev, StateRTSPStreamURL))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("delete rtsp url", "serial", dev.Serial, "err", err)
		}
	}
}

func (c *Coordinator) writeProperty(id string, m propertyMapping, evt eufy.RawPropertyEvent) {
	v, err := convert(m.kind, evt.Value)
	if err != nil {
		c.logger.Warn("property value", "id", id, "type", int(evt.Type), "value", evt.Value, "err", err)
		return
	}
	c.setChanged(id, v, evt)
}

func (c *Coordinator) setChanged(id string, v any, evt eufy.RawPropertyEvent) {
	if _, err := c.store.SetStateChanged(id, v, evt.Modified); err != nil {
		c.logger.Error("set state", "id", id, "err", err)
	}
}

// handleCommandResult acknowledges the state a successful command was
// written for, and turns a rejected local livestream start into the relay
// fallback.
func (c *Coordinator) handleCommandResult(res eufy.CommandResult) {
	c.events.Emit(Event{Type: EventCommandResult, Data: res})

	if res.ReturnCode != 0 {
		if res.CommandType == eufy.CmdStartRealtimeMedia {
			dev, ok := c.registry.DeviceByChannel(res.Station, res.Channel)
			if !ok {
				c.logger.Warn("media start failed on unknown channel", "station", res.Station, "channel", res.Channel)
				return
			}
			c.logger.Debug("local livestream rejected, falling back to relay", "serial", dev.Serial, "code", res.ReturnCode)
			go func() {
				if err := c.livestreams.HandleStartFailure(c.ctx, res.Station, dev.Serial); err != nil {
					c.logger.Error("relay fallback", "serial", dev.Serial, "err", err)
				}
			}()
			return
		}
		c.logger.Error("command failed", "station", res.Station, "channel", res.Channel,
			"command", int(res.CommandType), "code", res.ReturnCode)
		return
	}

	if name, ok := ackStates[res.CommandType]; ok {
		id := StationStateID(res.Station, name)
		if res.Channel != eufy.StationChannel {
			dev, ok := c.registry.DeviceByChannel(res.Station, res.Channel)
			if !ok {
				c.logger.Warn("command result for unknown channel", "station", res.Station, "channel", res.Channel)
				return
			}
			id = DeviceStateID(dev, name)
		}
		c.ack(id)
		return
	}

	if res.CommandType == eufy.CmdDoorlockDataPassThrough {
		dev, ok := c.registry.DeviceByChannel(res.Station, res.Channel)
		if !ok {
			return
		}
		states, err := c.store.ListStates(DevicePrefix(dev))
		if err != nil {
			c.logger.Error("list lock states", "serial", dev.Serial, "err", err)
			return
		}
		for id, st := range states {
			if !st.Ack {
				c.ack(id)
			}
		}
		return
	}
	c.logger.Debug("no state for command result", "station", res.Station, "command", int(res.CommandType))
}

func (c *Coordinator) ack(id string) {
	err := c.store.AckState(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.logger.Debug("ack missing state", "id", id)
	case err != nil:
		c.logger.Error("ack state", "id", id, "err", err)
	default:
		c.logger.Debug("state acknowledged", "id", id)
	}
}
