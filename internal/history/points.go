package history

import (
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/eufy"
)

// Measurement names.
const (
	MeasurementState      = "state"
	MeasurementPush       = "push"
	MeasurementCommand    = "command"
	MeasurementConnection = "connection"
	MeasurementStation    = "station_connection"
	MeasurementLivestream = "livestream"
)

// PointFor maps an event to a point stamped ts. Events without history
// value, deletions and rendered HTML states return nil.
func PointFor(event coordinator.Event, ts time.Time) *write.Point {
	switch event.Type {
	case coordinator.EventStateChanged:
		ch, ok := event.Data.(coordinator.StateChange)
		if !ok || ch.Deleted {
			return nil
		}
		return statePoint(ch, ts)

	case coordinator.EventPushMessage:
		msg, ok := event.Data.(eufy.PushMessage)
		if !ok {
			return nil
		}
		fields := map[string]any{"type": int64(msg.Type)}
		if msg.PersonName != "" {
			fields["person_name"] = msg.PersonName
		}
		if msg.SensorOpen != nil {
			fields["sensor_open"] = *msg.SensorOpen
		}
		return write.NewPoint(MeasurementPush, map[string]string{
			"station":    msg.StationSN,
			"device":     msg.DeviceSN,
			"event_type": strconv.Itoa(msg.EventType),
		}, fields, ts)

	case coordinator.EventCommandResult:
		res, ok := event.Data.(eufy.CommandResult)
		if !ok {
			return nil
		}
		return write.NewPoint(MeasurementCommand, map[string]string{
			"station":      res.Station,
			"channel":      strconv.Itoa(res.Channel),
			"command_type": strconv.Itoa(int(res.CommandType)),
		}, map[string]any{"return_code": int64(res.ReturnCode)}, ts)

	case coordinator.EventConnection, coordinator.EventPushConnection:
		up, ok := event.Data.(bool)
		if !ok {
			return nil
		}
		service := "cloud"
		if event.Type == coordinator.EventPushConnection {
			service = "push"
		}
		return write.NewPoint(MeasurementConnection,
			map[string]string{"service": service},
			map[string]any{"connected": up}, ts)

	case coordinator.EventStationConnect, coordinator.EventStationClose:
		station, ok := event.Data.(string)
		if !ok {
			return nil
		}
		return write.NewPoint(MeasurementStation,
			map[string]string{"station": station},
			map[string]any{"connected": event.Type == coordinator.EventStationConnect}, ts)

	case coordinator.EventLivestreamStart, coordinator.EventLivestreamStop:
		data, ok := event.Data.(map[string]string)
		if !ok {
			return nil
		}
		return write.NewPoint(MeasurementLivestream,
			map[string]string{"station": data["station"], "device": data["device"]},
			map[string]any{"active": event.Type == coordinator.EventLivestreamStart}, ts)
	}
	return nil
}

func statePoint(ch coordinator.StateChange, ts time.Time) *write.Point {
	ref, ok := coordinator.ParseStateID(ch.ID)
	if !ok || strings.HasSuffix(ref.State, "_html") {
		return nil
	}
	val, ok := fieldValue(ch.Val)
	if !ok {
		return nil
	}
	tags := map[string]string{"station": ref.Station, "state": ref.State}
	if ref.Device != "" {
		tags["device"] = ref.Device
	}
	if !ch.TS.IsZero() {
		ts = ch.TS
	}
	return write.NewPoint(MeasurementState, tags, map[string]any{"value": val, "ack": ch.Ack}, ts)
}

// fieldValue normalizes numbers to float64 so a field keeps one type in
// the bucket regardless of how the value was decoded.
func fieldValue(v any) (any, bool) {
	switch v := v.(type) {
	case bool, string, float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return nil, false
}
