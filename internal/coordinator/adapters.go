package coordinator

import (
	"context"
	"errors"
	"time"

	"eufy-go-home/internal/livestream"
	"eufy-go-home/internal/media"
	"eufy-go-home/internal/store"
)

const abortTimeout = 10 * time.Second

// relayMedia runs relay transcodes through the media pipeline.
type relayMedia struct {
	pipeline *media.Pipeline
}

func (r relayMedia) StartRelay(ctx context.Context, station, device, url string) (livestream.Handle, error) {
	job, err := r.pipeline.StartRelay(ctx, station, device, url)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// mediaHooks receives pipeline failures and session transitions.
type mediaHooks struct {
	c *Coordinator
}

// AbortLivestream ends the session whose transcode failed.
func (h *mediaHooks) AbortLivestream(station, device string) {
	go func() {
		ctx, cancel := context.WithTimeout(h.c.ctx, abortTimeout)
		defer cancel()
		if err := h.c.livestreams.Stop(ctx, device); err != nil {
			h.c.logger.Warn("abort livestream", "station", station, "serial", device, "err", err)
		}
	}()
}

// AbortDownload cancels the station side of a failed event download.
func (h *mediaHooks) AbortDownload(station, device string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.c.ctx), abortTimeout)
	defer cancel()
	if err := h.c.client.CancelDownload(ctx, station, device); err != nil {
		h.c.logger.Warn("abort download", "station", station, "serial", device, "err", err)
	}
}

func (h *mediaHooks) LivestreamStarted(station, device, url string) {
	c := h.c
	if dev, ok := c.registry.Device(device); ok {
		if err := c.store.SetState(DeviceStateID(dev, StateLivestream), url, true); err != nil {
			c.logger.Error("set livestream url", "serial", device, "err", err)
		}
	}
	c.logger.Info("livestream started", "station", station, "serial", device, "url", url)
	c.events.Emit(Event{Type: EventLivestreamStart, Data: map[string]string{"station": station, "device": device, "url": url}})
}

func (h *mediaHooks) LivestreamStopped(station, device string) {
	c := h.c
	if dev, ok := c.registry.Device(device); ok {
		err := c.store.DeleteState(DeviceStateID(dev, StateLivestream))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("clear livestream url", "serial", device, "err", err)
		}
	}
	c.events.Emit(Event{Type: EventLivestreamStop, Data: map[string]string{"station": station, "device": device}})
}

var (
	_ media.Aborter         = (*mediaHooks)(nil)
	_ livestream.Notifier   = (*mediaHooks)(nil)
	_ livestream.RelayMedia = relayMedia{}
)
