package cloud

import (
	"encoding/json"
	"time"

	"eufy-go-home/internal/eufy"
	"eufy-go-home/internal/registry"
)

// envelope is the common response wrapper of the account API.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	VerifyCode string `json:"verify_code,omitempty"`
}

type loginData struct {
	AuthToken      string `json:"auth_token"`
	TokenExpiresAt int64  `json:"token_expires_at"`
	Domain         string `json:"domain"`
	UserID         string `json:"user_id"`
	NickName       string `json:"nick_name"`
}

type listRequest struct {
	DeviceSN  string `json:"device_sn"`
	Num       int    `json:"num"`
	OrderBy   string `json:"orderby"`
	Page      int    `json:"page"`
	StationSN string `json:"station_sn"`
}

// Param is one raw parameter of a hub or device.
type Param struct {
	Type       int    `json:"param_type"`
	Value      string `json:"param_value"`
	UpdateTime int64  `json:"update_time"`
}

// Hub is a station as listed by the account API.
type Hub struct {
	SerialNumber    string  `json:"station_sn"`
	Name            string  `json:"station_name"`
	Model           string  `json:"station_model"`
	DeviceType      int     `json:"device_type"`
	HardwareVersion string  `json:"main_hw_version"`
	SoftwareVersion string  `json:"main_sw_version"`
	MACAddress      string  `json:"wifi_mac"`
	IPAddress       string  `json:"ip_addr"`
	Params          []Param `json:"params"`
}

// Device is a device as listed by the account API.
type Device struct {
	SerialNumber    string  `json:"device_sn"`
	Name            string  `json:"device_name"`
	Model           string  `json:"device_model"`
	DeviceType      int     `json:"device_type"`
	StationSN       string  `json:"station_sn"`
	Channel         int     `json:"device_channel"`
	HardwareVersion string  `json:"main_hw_version"`
	SoftwareVersion string  `json:"main_sw_version"`
	MACAddress      string  `json:"wifi_mac"`
	Params          []Param `json:"params"`
}

// TrustDevice is a client registered as trusted for the account.
type TrustDevice struct {
	OpenUDID        string `json:"open_udid"`
	PhoneModel      string `json:"phone_model"`
	IsCurrentDevice int    `json:"is_current_device"`
}

func properties(params []Param) map[string]registry.PropertyValue {
	if len(params) == 0 {
		return nil
	}
	props := make(map[string]registry.PropertyValue, len(params))
	for _, p := range params {
		ts := time.Time{}
		if p.UpdateTime > 0 {
			ts = time.Unix(p.UpdateTime, 0)
		}
		props[registry.RawKey(p.Type)] = registry.PropertyValue{Value: p.Value, Timestamp: ts}
	}
	return props
}

// Station converts the hub to a registry station.
func (h Hub) Station() *registry.Station {
	return &registry.Station{
		Serial:          h.SerialNumber,
		Name:            h.Name,
		Model:           h.Model,
		Type:            eufy.DeviceType(h.DeviceType),
		HardwareVersion: h.HardwareVersion,
		SoftwareVersion: h.SoftwareVersion,
		MACAddress:      h.MACAddress,
		LANIPAddress:    h.IPAddress,
		Properties:      properties(h.Params),
	}
}

// Device converts the listing to a registry device.
func (d Device) Device() *registry.Device {
	return &registry.Device{
		Serial:          d.SerialNumber,
		Name:            d.Name,
		Model:           d.Model,
		Type:            eufy.DeviceType(d.DeviceType),
		StationSerial:   d.StationSN,
		Channel:         d.Channel,
		HardwareVersion: d.HardwareVersion,
		SoftwareVersion: d.SoftwareVersion,
		MACAddress:      d.MACAddress,
		Properties:      properties(d.Params),
	}
}
