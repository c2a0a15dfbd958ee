package types

// DeviceKind separates capture from render devices
type DeviceKind string

const (
	DeviceInput  DeviceKind = "audioinput"
	DeviceOutput DeviceKind = "audiooutput"
)

// DefaultDeviceID is the platform default device identifier
const DefaultDeviceID = "default"

// AudioDevice is an enumerated capture or render device
type AudioDevice struct {
	ID    string     `json:"deviceId"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// AudioDeviceSet is the enumerated devices plus the current selection
type AudioDeviceSet struct {
	Input             []AudioDevice `json:"input"`
	Output            []AudioDevice `json:"output"`
	SelectedInput     string        `json:"selectedInput"`
	SelectedOutput    string        `json:"selectedOutput"`
	PermissionGranted bool          `json:"permissionGranted"`
}
