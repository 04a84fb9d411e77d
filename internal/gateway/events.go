package gateway

import (
	"encoding/json"
	"time"

	"eufy-go-home/internal/eufy"
)

func (c *Client) dispatch(env *envelope) {
	c.handlersMu.RLock()
	h := c.h
	c.handlersMu.RUnlock()

	switch env.Event {
	case evStationConnect, evStationClose:
		var t target
		if !c.decode(env, &t) {
			return
		}
		up := env.Event == evStationConnect
		c.stateMu.Lock()
		c.stations[t.Station] = up
		c.stateMu.Unlock()
		fns := h.stationClose
		if up {
			fns = h.stationConnect
		}
		for _, fn := range fns {
			c.safe(func() { fn(t.Station) })
		}

	case evStationProperty:
		var p propertyEvent
		if !c.decode(env, &p) {
			return
		}
		ev := eufy.RawPropertyEvent{
			Station:  p.Station,
			Device:   p.Device,
			Type:     eufy.CommandType(p.Type),
			Value:    p.Value,
			Modified: time.UnixMilli(p.Modified),
		}
		if p.Modified == 0 {
			ev.Modified = time.Now()
		}
		for _, fn := range h.rawProperty {
			c.safe(func() { fn(ev) })
		}

	case evCommandResult:
		var r commandResultEvent
		if !c.decode(env, &r) {
			return
		}
		res := eufy.CommandResult{
			Station:     r.Station,
			Channel:     r.Channel,
			CommandType: eufy.CommandType(r.CommandType),
			ReturnCode:  r.ReturnCode,
		}
		for _, fn := range h.commandResult {
			c.safe(func() { fn(res) })
		}

	case evRTSPURL:
		var r rtspEvent
		if !c.decode(env, &r) {
			return
		}
		for _, fn := range h.rtspURL {
			c.safe(func() { fn(eufy.RTSPURLEvent{Station: r.Station, Device: r.Device, URL: r.URL}) })
		}

	case evLivestreamStart, evDownloadStart:
		var s streamStartEvent
		if !c.decode(env, &s) {
			return
		}
		kind, fns := feedLive, h.livestreamStart
		if env.Event == evDownloadStart {
			kind, fns = feedDownload, h.downloadStart
		} else {
			c.stateMu.Lock()
			c.streaming[target{s.Station, s.Device}] = true
			c.stateMu.Unlock()
		}
		ms := c.feeds.open(feedKey{kind, s.Station, s.Device}, s.Metadata)
		if len(fns) == 0 {
			go drain(ms.Video)
			go drain(ms.Audio)
			return
		}
		for _, fn := range fns {
			c.safe(func() { fn(ms) })
		}

	case evLivestreamVideo, evLivestreamAudio, evDownloadVideo, evDownloadAudio:
		var ch chunkEvent
		if !c.decode(env, &ch) {
			return
		}
		kind := feedLive
		if env.Event == evDownloadVideo || env.Event == evDownloadAudio {
			kind = feedDownload
		}
		audio := env.Event == evLivestreamAudio || env.Event == evDownloadAudio
		c.feeds.write(feedKey{kind, ch.Station, ch.Device}, audio, ch.Data)

	case evLivestreamStop, evDownloadFinish:
		var t target
		if !c.decode(env, &t) {
			return
		}
		kind, fns := feedLive, h.livestreamStop
		if env.Event == evDownloadFinish {
			kind, fns = feedDownload, h.downloadFinish
		} else {
			c.stateMu.Lock()
			delete(c.streaming, t)
			c.stateMu.Unlock()
		}
		c.feeds.close(feedKey{kind, t.Station, t.Device})
		for _, fn := range fns {
			c.safe(func() { fn(t.Station, t.Device) })
		}

	case evPushMessage:
		var msg eufy.PushMessage
		if !c.decode(env, &msg) {
			return
		}
		for _, fn := range h.pushMessage {
			c.safe(func() { fn(msg) })
		}

	case evPushConnect:
		for _, fn := range h.pushConnect {
			c.safe(fn)
		}

	case evPushClose:
		for _, fn := range h.pushClose {
			c.safe(fn)
		}

	case evPushCredentials:
		var pc pushCredentialsEvent
		if !c.decode(env, &pc) {
			return
		}
		for _, fn := range h.pushCredentials {
			c.safe(func() { fn(pc.Credentials) })
		}

	default:
		c.logger.Debug("unknown gateway event", "event", env.Event)
	}
}

func (c *Client) decode(env *envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.logger.Warn("gateway event malformed", "event", env.Event, "err", err)
		return false
	}
	return true
}

func (c *Client) on(fn func(h *handlers)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	fn(&c.h)
}

func (c *Client) OnStationConnect(fn func(string)) {
	c.on(func(h *handlers) { h.stationConnect = append(h.stationConnect, fn) })
}

func (c *Client) OnStationClose(fn func(string)) {
	c.on(func(h *handlers) { h.stationClose = append(h.stationClose, fn) })
}

func (c *Client) OnRawProperty(fn func(eufy.RawPropertyEvent)) {
	c.on(func(h *handlers) { h.rawProperty = append(h.rawProperty, fn) })
}

func (c *Client) OnCommandResult(fn func(eufy.CommandResult)) {
	c.on(func(h *handlers) { h.commandResult = append(h.commandResult, fn) })
}

func (c *Client) OnLivestreamStart(fn func(*eufy.MediaStream)) {
	c.on(func(h *handlers) { h.livestreamStart = append(h.livestreamStart, fn) })
}

func (c *Client) OnLivestreamStop(fn func(station, device string)) {
	c.on(func(h *handlers) { h.livestreamStop = append(h.livestreamStop, fn) })
}

func (c *Client) OnDownloadStart(fn func(*eufy.MediaStream)) {
	c.on(func(h *handlers) { h.downloadStart = append(h.downloadStart, fn) })
}

func (c *Client) OnDownloadFinish(fn func(station, device string)) {
	c.on(func(h *handlers) { h.downloadFinish = append(h.downloadFinish, fn) })
}

func (c *Client) OnRTSPURL(fn func(eufy.RTSPURLEvent)) {
	c.on(func(h *handlers) { h.rtspURL = append(h.rtspURL, fn) })
}

func (c *Client) OnPushMessage(fn func(eufy.PushMessage)) {
	c.on(func(h *handlers) { h.pushMessage = append(h.pushMessage, fn) })
}

func (c *Client) OnPushConnect(fn func()) {
	c.on(func(h *handlers) { h.pushConnect = append(h.pushConnect, fn) })
}

func (c *Client) OnPushClose(fn func()) {
	c.on(func(h *handlers) { h.pushClose = append(h.pushClose, fn) })
}

func (c *Client) OnPushCredentials(fn func(eufy.PushCredentials)) {
	c.on(func(h *handlers) { h.pushCredentials = append(h.pushCredentials, fn) })
}
