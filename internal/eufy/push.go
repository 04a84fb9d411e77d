package eufy

// Server push message types.
const (
	ServerPushVerification = 10500
)

// Generic (non doorbell, non indoor) push event types.
const (
	CusPushSecurity        = 1
	CusPushDoorSensor      = 3
	CusPushModeSwitch      = 9
	CusPushMotionSensorPIR = 14
)

// Doorbell push event types.
const (
	DoorbellPushMotion = 3101
	DoorbellPushFace   = 3102
	DoorbellPushPress  = 3103
)

// Indoor camera push event types.
const (
	IndoorPushMotion = 3101
	IndoorPushFace   = 3102
	IndoorPushCrying = 3104
	IndoorPushSound  = 3105
	IndoorPushPet    = 3106
)

// PushMessage is a decoded push notification.
type PushMessage struct {
	Type               int    `json:"type"`
	EventType          int    `json:"event_type"`
	DeviceSN           string `json:"device_sn"`
	StationSN          string `json:"station_sn"`
	EventTime          int64  `json:"event_time"` // unix milliseconds
	PicURL             string `json:"pic_url,omitempty"`
	FilePath           string `json:"file_path,omitempty"`
	Cipher             *int   `json:"cipher,omitempty"`
	PersonName         string `json:"person_name,omitempty"`
	PushCount          int    `json:"push_count,omitempty"`
	FetchID            int    `json:"fetch_id,omitempty"`
	SensorOpen         *bool  `json:"sensor_open,omitempty"`
	StationGuardMode   *int   `json:"station_guard_mode,omitempty"`
	StationCurrentMode *int   `json:"station_current_mode,omitempty"`
}

// PushCredentials are the registration secrets of the push service. They
// are opaque to the core and only persisted and handed back on reconnect.
type PushCredentials map[string]any

// PushService is the push notification collaborator.
type PushService interface {
	// OpenPush (re)registers with the given credentials and persistent ids.
	OpenPush(creds PushCredentials, persistentIDs []string) error
	ClosePush() error
	PersistentIDs() []string

	OnPushMessage(fn func(PushMessage))
	OnPushConnect(fn func())
	OnPushClose(fn func())
	OnPushCredentials(fn func(PushCredentials))
}
