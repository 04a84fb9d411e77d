package gateway

import (
	"encoding/json"

	"eufy-go-home/internal/eufy"
)

// Message kinds on the wire.
const (
	kindRequest = "request"
	kindResult  = "result"
	kindEvent   = "event"
)

// Commands sent to the gateway.
const (
	cmdStationConnect  = "station.connect"
	cmdStationClose    = "station.close"
	cmdSetGuardMode    = "station.set_guard_mode"
	cmdReboot          = "station.reboot"
	cmdStartLivestream = "device.start_livestream"
	cmdStopLivestream  = "device.stop_livestream"
	cmdStartDownload   = "device.start_download"
	cmdCancelDownload  = "device.cancel_download"
	cmdSetParam        = "device.set_param"
	cmdSetLock         = "device.set_lock"
	cmdStartRelay      = "device.start_stream"
	cmdStopRelay       = "device.stop_stream"
	cmdPushOpen        = "push.open"
	cmdPushClose       = "push.close"
)

// Events received from the gateway.
const (
	evStationConnect  = "station.connect"
	evStationClose    = "station.close"
	evStationProperty = "station.property"
	evCommandResult   = "station.command_result"
	evRTSPURL         = "station.rtsp_url"
	evLivestreamStart = "livestream.start"
	evLivestreamVideo = "livestream.video"
	evLivestreamAudio = "livestream.audio"
	evLivestreamStop  = "livestream.stop"
	evDownloadStart   = "download.start"
	evDownloadVideo   = "download.video"
	evDownloadAudio   = "download.audio"
	evDownloadFinish  = "download.finish"
	evPushMessage     = "push.message"
	evPushConnect     = "push.connect"
	evPushClose       = "push.close"
	evPushCredentials = "push.credentials"
)

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  any             `json:"params,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    int             `json:"error_code,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type target struct {
	Station string `json:"station"`
	Device  string `json:"device,omitempty"`
}

type propertyEvent struct {
	Station  string `json:"station"`
	Device   string `json:"device,omitempty"`
	Type     int    `json:"type"`
	Value    string `json:"value"`
	Modified int64  `json:"modified"` // unix milliseconds
}

type commandResultEvent struct {
	Station     string `json:"station"`
	Channel     int    `json:"channel"`
	CommandType int    `json:"command_type"`
	ReturnCode  int    `json:"return_code"`
}

type rtspEvent struct {
	Station string `json:"station"`
	Device  string `json:"device"`
	URL     string `json:"url"`
}

type streamStartEvent struct {
	Station  string              `json:"station"`
	Device   string              `json:"device"`
	Metadata eufy.StreamMetadata `json:"metadata"`
}

type chunkEvent struct {
	Station string `json:"station"`
	Device  string `json:"device"`
	Data    []byte `json:"data"`
}

type pushCredentialsEvent struct {
	Credentials eufy.PushCredentials `json:"credentials"`
}

type pushOpenParams struct {
	Credentials   eufy.PushCredentials `json:"credentials,omitempty"`
	PersistentIDs []string             `json:"persistent_ids,omitempty"`
}

type pushOpenResult struct {
	PersistentIDs []string `json:"persistent_ids"`
}

type relayResult struct {
	URL string `json:"url"`
}
