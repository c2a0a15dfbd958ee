// Package media defines the capture, send and render capabilities the call
// core drives, plus the Linux ALSA device source.
package media

import (
	"context"
	"errors"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

var (
	ErrPermissionDenied = errors.New("audio device permission denied")
	ErrDeviceNotFound   = errors.New("audio device not found")
	ErrTrackStopped     = errors.New("track stopped")
	ErrSinkUnsupported  = errors.New("output device selection not supported")
)

// Track is a live capture stream from one input device
type Track interface {
	ID() string
	DeviceID() string
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
	Stopped() bool
}

// Source enumerates devices and opens capture tracks
type Source interface {
	Enumerate(ctx context.Context) ([]types.AudioDevice, error)
	Open(ctx context.Context, deviceID string) (Track, error)
}

// Sender carries the outgoing track of a live call
type Sender interface {
	ReplaceTrack(ctx context.Context, track Track) error
}

// Sink renders the remote party's audio
type Sink interface {
	SetSinkID(ctx context.Context, deviceID string) error
}

// Split separates enumerated devices by kind
func Split(devices []types.AudioDevice) (inputs, outputs []types.AudioDevice) {
	for _, d := range devices {
		switch d.Kind {
		case types.DeviceInput:
			inputs = append(inputs, d)
		case types.DeviceOutput:
			outputs = append(outputs, d)
		}
	}
	return inputs, outputs
}

// Contains reports whether id is among devices
func Contains(devices []types.AudioDevice, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
