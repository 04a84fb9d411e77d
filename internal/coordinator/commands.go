package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// ErrNotWritable is returned for a host write to a state that maps to no
// device command.
var ErrNotWritable = errors.New("state not writable")

const commandTimeout = 30 * time.Second

// paramCommands maps writable device switches to the command that sets them.
var paramCommands = map[string]eufy.CommandType{
	StateLEDStatus:       eufy.CmdDevLEDSwitch,
	StateEnabled:         eufy.CmdDevsSwitch,
	StateAntitheft:       eufy.CmdEASSwitch,
	StateMotionDetection: eufy.CmdPIRSwitch,
	StateRTSPStream:      eufy.CmdNASSwitch,
	StateAutoNightvision: eufy.CmdIRCutSwitch,
	StateWatermark:       eufy.CmdSetDevsOSD,
	StatePetDetection:    eufy.CmdIndoorSetPetEnable,
	StateSoundDetection:  eufy.CmdIndoorSetSoundDetect,
}

// onStoreChange publishes every committed change and dispatches host
// writes. Acknowledged writes are our own.
func (c *Coordinator) onStoreChange(id string, st *store.State) {
	if st == nil {
		c.events.Emit(Event{Type: EventStateChanged, Data: StateChange{ID: id, Deleted: true}})
		return
	}
	c.events.Emit(Event{Type: EventStateChanged, Data: StateChange{ID: id, Val: st.Val, Ack: st.Ack, TS: st.TS}})
	if st.Ack {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
		defer cancel()
		if err := c.HandleWrite(ctx, id, st); err != nil {
			c.logger.Warn("host write", "id", id, "val", st.Val, "err", err)
		}
	}()
}

// HandleWrite translates an unacknowledged state write into a device
// command. The state is acknowledged later by the command result.
func (c *Coordinator) HandleWrite(ctx context.Context, id string, st *store.State) error {
	if id == StateVerifyCode {
		code, _ := st.Val.(string)
		if err := c.store.DeleteState(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("delete verify code", "err", err)
		}
		if code == "" {
			return nil
		}
		c.logger.Info("verification code received")
		c.logon(ctx, code)
		return nil
	}

	ref, ok := ParseStateID(id)
	if !ok {
		return fmt.Errorf("write %s: %w", id, ErrNotWritable)
	}
	if ref.Device == "" {
		return c.stationCommand(ctx, ref, st)
	}

	dev, ok := c.registry.Device(ref.Device)
	if !ok || dev.StationSerial != ref.Station {
		return fmt.Errorf("write %s: %w", id, registry.ErrUnknownEntity)
	}
	unlock := c.registry.Lock(dev.Serial)
	defer unlock()
	return c.deviceCommand(ctx, dev, ref.State, st)
}

func (c *Coordinator) stationCommand(ctx context.Context, ref StateRef, st *store.State) error {
	if _, ok := c.registry.Station(ref.Station); !ok {
		return fmt.Errorf("station %s: %w", ref.Station, registry.ErrUnknownEntity)
	}
	switch ref.State {
	case StateGuardMode:
		n, ok := st.Number()
		if !ok {
			return fmt.Errorf("guard mode %v: not a number", st.Val)
		}
		return c.SetGuardMode(ctx, ref.Station, eufy.GuardMode(int(n)))
	case StateReboot:
		if !st.Bool() {
			return nil
		}
		if err := c.client.Reboot(ctx, ref.Station); err != nil {
			return fmt.Errorf("reboot %s: %w", ref.Station, err)
		}
		return nil
	}
	return fmt.Errorf("station state %s: %w", ref.State, ErrNotWritable)
}

func (c *Coordinator) deviceCommand(ctx context.Context, dev *registry.Device, state string, st *store.State) error {
	caps := dev.Capabilities()
	switch {
	case state == StateStartStream && caps.Has(eufy.CapCamera):
		return c.StartLivestream(ctx, dev.Serial)
	case state == StateStopStream && caps.Has(eufy.CapCamera):
		return c.StopLivestream(ctx, dev.Serial)
	case state == StateLock && caps.Has(eufy.CapLock):
		if err := c.client.SetLock(ctx, dev.StationSerial, dev.Serial, st.Bool()); err != nil {
			return fmt.Errorf("set lock %s: %w", dev.Serial, err)
		}
		return nil
	}

	cmd, ok := paramCommands[state]
	if !ok || !caps.Has(eufy.CapCamera) {
		return fmt.Errorf("device state %s: %w", state, ErrNotWritable)
	}
	if (state == StatePetDetection || state == StateSoundDetection) && !caps.Has(eufy.CapIndoor) {
		return fmt.Errorf("device state %s: %w", state, ErrNotWritable)
	}

	value := 0
	if state == StateWatermark {
		n, ok := st.Number()
		if !ok {
			return fmt.Errorf("watermark %v: not a number", st.Val)
		}
		value = int(n)
	} else if st.Bool() {
		value = 1
	}
	if err := c.client.SetDeviceParam(ctx, dev.StationSerial, dev.Serial, cmd, value); err != nil {
		return fmt.Errorf("set %s on %s: %w", state, dev.Serial, err)
	}
	if state == StateRTSPStream && value == 0 {
		err := c.store.DeleteState(DeviceStateID(dev, StateRTSPStreamURL))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("delete rtsp url", "serial", dev.Serial, "err", err)
		}
	}
	return nil
}

// SetGuardMode switches a station's guard mode.
func (c *Coordinator) SetGuardMode(ctx context.Context, station string, mode eufy.GuardMode) error {
	if !mode.Valid() {
		return fmt.Errorf("guard mode %d: invalid", int(mode))
	}
	if err := c.client.SetGuardMode(ctx, station, mode); err != nil {
		return fmt.Errorf("set guard mode on %s: %w", station, err)
	}
	return nil
}

// StartLivestream starts a livestream on a camera.
func (c *Coordinator) StartLivestream(ctx context.Context, device string) error {
	return c.livestreams.Start(ctx, device)
}

// StopLivestream stops the camera's livestream.
func (c *Coordinator) StopLivestream(ctx context.Context, device string) error {
	return c.livestreams.Stop(ctx, device)
}

// WriteState records a host write. It is turned into a device command by
// the change listener.
func (c *Coordinator) WriteState(id string, val any) error {
	if id != StateVerifyCode {
		obj, err := c.store.GetObject(id)
		if err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
		if !obj.Write {
			return fmt.Errorf("write %s: %w", id, ErrNotWritable)
		}
	}
	return c.store.SetState(id, val, false)
}
