package eufy

import (
	"context"
	"io"
	"time"
)

// Client is the station communication collaborator. It owns the P2P link
// to each station; the core only calls its commands and consumes its
// indications.
type Client interface {
	// Station link
	ConnectStation(ctx context.Context, station string, conn P2PConnectionType) error
	StationConnected(station string) bool
	CloseStation(station string) error

	// Local media
	StartLivestream(ctx context.Context, station, device string) error
	StopLivestream(ctx context.Context, station, device string) error
	IsLivestreaming(station, device string) bool
	StartDownload(ctx context.Context, station, device, path string, cipher int) error
	CancelDownload(ctx context.Context, station, device string) error

	// Commands
	SetGuardMode(ctx context.Context, station string, mode GuardMode) error
	Reboot(ctx context.Context, station string) error
	SetDeviceParam(ctx context.Context, station, device string, cmd CommandType, value int) error
	SetLock(ctx context.Context, station, device string, locked bool) error

	// Indication callbacks
	OnStationConnect(handler func(station string))
	OnStationClose(handler func(station string))
	OnRawProperty(handler func(RawPropertyEvent))
	OnCommandResult(handler func(CommandResult))
	OnLivestreamStart(handler func(*MediaStream))
	OnLivestreamStop(handler func(station, device string))
	OnDownloadStart(handler func(*MediaStream))
	OnDownloadFinish(handler func(station, device string))
	OnRTSPURL(handler func(RTSPURLEvent))

	// Lifecycle
	Close() error
}

// RawPropertyEvent is a raw parameter change reported by a station, either
// for the station itself (Device empty) or for one of its devices.
type RawPropertyEvent struct {
	Station  string
	Device   string
	Type     CommandType
	Value    string
	Modified time.Time
}

// RTSPURLEvent carries the RTSP url a camera exposes once NAS streaming is on.
type RTSPURLEvent struct {
	Station string
	Device  string
	URL     string
}

// StreamMetadata describes a raw media stream.
type StreamMetadata struct {
	VideoCodec  string `json:"video_codec"`
	VideoFPS    int    `json:"video_fps"`
	VideoWidth  int    `json:"video_width"`
	VideoHeight int    `json:"video_height"`
	AudioCodec  string `json:"audio_codec"`
}

// MediaStream is a raw audio/video stream handed over by a station for a
// livestream or an event download. The consumer must drain or close both
// readers.
type MediaStream struct {
	Station  string
	Device   string
	Metadata StreamMetadata
	Video    io.ReadCloser
	Audio    io.ReadCloser
}

// Close closes both readers.
func (m *MediaStream) Close() {
	if m.Video != nil {
		m.Video.Close()
	}
	if m.Audio != nil {
		m.Audio.Close()
	}
}
