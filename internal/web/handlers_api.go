package web

import (
	"errors"
	"net/http"
	"strings"

	"eufy-go-home/internal/coordinator"
	"eufy-go-home/internal/livestream"
	"eufy-go-home/internal/registry"
	"eufy-go-home/internal/store"
)

// StationView is a station with its current states.
type StationView struct {
	*registry.Station
	States  map[string]any `json:"states"`
	Devices []string       `json:"devices"`
}

// DeviceView is a device with its current states and livestream session.
type DeviceView struct {
	*registry.Device
	Kind       string           `json:"kind"`
	States     map[string]any   `json:"states"`
	Livestream *livestream.Info `json:"livestream,omitempty"`
}

// states returns the values under prefix keyed by state name.
func (s *Server) states(prefix string) map[string]any {
	out := make(map[string]any)
	all, err := s.backend.Store().ListStates(prefix)
	if err != nil {
		s.logger.Error("list states", "prefix", prefix, "err", err)
		return out
	}
	for id, st := range all {
		out[strings.TrimPrefix(id, prefix)] = st.Val
	}
	return out
}

func (s *Server) stationView(st *registry.Station) StationView {
	v := StationView{
		Station: st,
		States:  s.states(st.Serial + ".station."),
		Devices: []string{},
	}
	for _, dev := range s.backend.Registry().StationDevices(st.Serial) {
		v.Devices = append(v.Devices, dev.Serial)
	}
	return v
}

func (s *Server) deviceView(dev *registry.Device) DeviceView {
	v := DeviceView{
		Device: dev,
		Kind:   dev.Kind().String(),
		States: s.states(coordinator.DevicePrefix(dev)),
	}
	if info, ok := s.backend.Session(dev.Serial); ok {
		v.Livestream = &info
	}
	return v
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	reg := s.backend.Registry()
	push := false
	if st, err := s.backend.Store().GetState(coordinator.StatePushConnection); err == nil {
		push = st.Bool()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"connected":      s.backend.Connected(),
		"push_connected": push,
		"stations":       len(reg.Stations()),
		"devices":        len(reg.Devices()),
		"ws_clients":     s.wsHub.ClientCount(),
	})
}

func (s *Server) handleAPIListStations(w http.ResponseWriter, r *http.Request) {
	views := []StationView{}
	for _, st := range s.backend.Registry().Stations() {
		views = append(views, s.stationView(st))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetStation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.backend.Registry().Station(r.PathValue("serial"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "station not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.stationView(st))
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	station := r.URL.Query().Get("station")
	views := []DeviceView{}
	for _, dev := range s.backend.Registry().Devices() {
		if station != "" && dev.StationSerial != station {
			continue
		}
		views = append(views, s.deviceView(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.backend.Registry().Device(r.PathValue("serial"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deviceView(dev))
}

func (s *Server) handleAPIStartLivestream(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	err := s.backend.StartLivestream(r.Context(), serial)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrUnknownEntity):
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	case errors.Is(err, livestream.ErrNotCamera):
		s.writeError(w, http.StatusBadRequest, "device is not a camera")
		return
	case errors.Is(err, livestream.ErrAlreadyStreaming):
		s.writeError(w, http.StatusConflict, "already streaming")
		return
	default:
		s.logger.Warn("start livestream", "serial", serial, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if info, ok := s.backend.Session(serial); ok {
		s.writeJSON(w, http.StatusAccepted, info)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleAPIStopLivestream(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, ok := s.backend.Registry().Device(serial); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.backend.StopLivestream(r.Context(), serial); err != nil {
		s.logger.Warn("stop livestream", "serial", serial, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListStates(w http.ResponseWriter, r *http.Request) {
	all, err := s.backend.Store().ListStates(r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("list states", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleAPIGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Store().GetState(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "state not found")
		return
	}
	if err != nil {
		s.logger.Error("get state", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type writeStateRequest struct {
	Val any `json:"val"`
}

// handleAPIWriteState records an unacknowledged write. Writable states are
// turned into device commands and acknowledged when the station confirms.
func (s *Server) handleAPIWriteState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req writeStateRequest
	if err := decodeBody(w, r, &req); err != nil || req.Val == nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.backend.WriteState(id, req.Val)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": id})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "state not found")
	case errors.Is(err, coordinator.ErrNotWritable):
		s.writeError(w, http.StatusForbidden, "state is read-only")
	default:
		s.logger.Error("write state", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
