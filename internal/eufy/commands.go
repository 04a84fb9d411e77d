package eufy

import (
	"errors"
	"fmt"
)

// CommandType identifies a station command and the raw property it reports.
type CommandType int

const (
	CmdStartRealtimeMedia      CommandType = 1003
	CmdStopRealtimeMedia       CommandType = 1004
	CmdPIRSwitch               CommandType = 1011
	CmdIRCutSwitch             CommandType = 1013
	CmdHubReboot               CommandType = 1034
	CmdDevsSwitch              CommandType = 1035
	CmdEASSwitch               CommandType = 1040
	CmdDevLEDSwitch            CommandType = 1046
	CmdGetBattery              CommandType = 1101
	CmdGetDevStatus            CommandType = 1131
	CmdGetBatteryTemp          CommandType = 1138
	CmdGetWifiRSSI             CommandType = 1142
	CmdNASSwitch               CommandType = 1145
	CmdGetAlarmMode            CommandType = 1151
	CmdSetDevsOSD              CommandType = 1214
	CmdSetArming               CommandType = 1224
	CmdDoorlockDataPassThrough CommandType = 1950
	CmdDoorlockGetState        CommandType = 1951
	CmdIndoorSetSoundDetect    CommandType = 6016
	CmdIndoorSetPetEnable      CommandType = 6052

	// Some firmware reports the enabled switch under this code.
	CmdDevsSwitchAlt CommandType = 99904
)

// ParamType is a cloud parameter code.
type ParamType int

const (
	ParamOpenDevice     ParamType = 2001
	ParamWatermarkMode  ParamType = 1214
	ParamGuardMode      ParamType = 1224
	ParamClipLength     ParamType = 1249
	ParamRetriggerDelay ParamType = 1250
	ParamWifiRSSI       ParamType = 1142
)

// DefaultClipLength is used when a device does not report its recording
// clip length (seconds).
const DefaultClipLength = 60

// CommandResult is reported by a station after executing a command.
type CommandResult struct {
	Station     string      `json:"station_sn"`
	Channel     int         `json:"channel"`
	CommandType CommandType `json:"command_type"`
	ReturnCode  int         `json:"return_code"`
}

// CommandError is returned by a collaborator when a command was rejected
// by the station.
type CommandError struct {
	Command    CommandType
	ReturnCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d failed with return code %d", e.Command, e.ReturnCode)
}

// IsMediaStartFailure reports whether err is a failed local realtime media
// start, the one failure that allows a relay fallback.
func IsMediaStartFailure(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Command == CmdStartRealtimeMedia && ce.ReturnCode != 0
}
