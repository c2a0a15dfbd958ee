// Package audio selects capture and render devices and keeps the live call
// on a working device as hardware comes and goes.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/store"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"
)

// Phone is the part of the call core that owns the capture track
type Phone interface {
	SetPermission(ctx context.Context, granted bool) error
	SetInputDevice(deviceID string)
	ReplaceTrack(ctx context.Context, track media.Track) error
	SetSink(ctx context.Context, deviceID string) error
	HasLiveMedia() bool
}

// EventKind discriminates device events
type EventKind string

const (
	EventDevices  EventKind = "devices"
	EventFallback EventKind = "fallback"
)

// Event reports a device list change or a fallback to the default device
type Event struct {
	Kind    EventKind
	Devices types.AudioDeviceSet
	Warning string
}

// Manager tracks the device set and the agent's selection
type Manager struct {
	source  media.Source
	store   store.Store
	phone   Phone
	metrics *metrics.Metrics
	events  chan Event
	logger  zerolog.Logger

	// serializes enumerate-and-swap sequences
	opMu sync.Mutex

	mu      sync.Mutex
	devices types.AudioDeviceSet
}

// NewManager creates a device manager with the default devices selected
func NewManager(source media.Source, st store.Store, phone Phone, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if st == nil {
		st = store.NewNoopStore()
	}
	return &Manager{
		source:  source,
		store:   st,
		phone:   phone,
		metrics: m,
		events:  make(chan Event, 16),
		logger:  logger.With().Str("component", "audio").Logger(),
		devices: types.AudioDeviceSet{
			SelectedInput:  types.DefaultDeviceID,
			SelectedOutput: types.DefaultDeviceID,
		},
	}
}

// Events returns device events
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Restore loads the persisted selection. It is revalidated by the next
// RequestPermission or Refresh.
func (m *Manager) Restore(ctx context.Context) error {
	input, ok, err := m.store.Get(ctx, store.KeySelectedInput)
	if err != nil {
		return fmt.Errorf("restore input device: %w", err)
	}
	output, ok2, err := m.store.Get(ctx, store.KeySelectedOutput)
	if err != nil {
		return fmt.Errorf("restore output device: %w", err)
	}

	m.mu.Lock()
	if ok && input != "" {
		m.devices.SelectedInput = input
	}
	if ok2 && output != "" {
		m.devices.SelectedOutput = output
	}
	selected := m.devices.SelectedInput
	m.mu.Unlock()

	m.phone.SetInputDevice(selected)
	m.logger.Debug().Str("input", selected).Str("output", output).Msg("restored device selection")
	return nil
}

// RequestPermission opens and immediately releases a capture stream to
// confirm microphone access, then enumerates devices
func (m *Manager) RequestPermission(ctx context.Context) (types.AudioDeviceSet, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	input := m.devices.SelectedInput
	m.mu.Unlock()

	track, err := m.source.Open(ctx, input)
	if errors.Is(err, media.ErrDeviceNotFound) && input != types.DefaultDeviceID {
		track, err = m.source.Open(ctx, types.DefaultDeviceID)
	}
	if err != nil {
		m.mu.Lock()
		m.devices.PermissionGranted = false
		m.mu.Unlock()
		if perr := m.phone.SetPermission(ctx, false); perr != nil {
			m.logger.Debug().Err(perr).Msg("permission update")
		}
		m.logger.Error().Err(err).Msg("audio permission check failed")
		return m.Devices(), apperr.New(apperr.Device, "request permission", err)
	}
	track.Stop()

	m.mu.Lock()
	m.devices.PermissionGranted = true
	m.mu.Unlock()

	if err := m.refresh(ctx); err != nil {
		return m.Devices(), err
	}

	// may perform a registration that waited for permission
	if err := m.phone.SetPermission(ctx, true); err != nil {
		m.logger.Warn().Err(err).Msg("deferred registration failed")
	}
	return m.Devices(), nil
}

// SelectDevices persists the selection and moves a live call onto it. The
// old capture track is released only after the new one is sending.
func (m *Manager) SelectDevices(ctx context.Context, input, output string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	set := m.devices
	m.mu.Unlock()

	if input == "" {
		input = set.SelectedInput
	}
	if output == "" {
		output = set.SelectedOutput
	}
	if input != types.DefaultDeviceID && !media.Contains(set.Input, input) {
		return apperr.New(apperr.Device, "select input", fmt.Errorf("%w: %s", media.ErrDeviceNotFound, input))
	}
	if output != types.DefaultDeviceID && !media.Contains(set.Output, output) {
		return apperr.New(apperr.Device, "select output", fmt.Errorf("%w: %s", media.ErrDeviceNotFound, output))
	}

	if input != set.SelectedInput {
		if err := m.useInput(ctx, input); err != nil {
			return err
		}
	}
	if output != set.SelectedOutput {
		if err := m.useOutput(ctx, output); err != nil {
			return err
		}
	}

	m.logger.Info().Str("input", input).Str("output", output).Msg("audio devices selected")
	return nil
}

func (m *Manager) useInput(ctx context.Context, deviceID string) error {
	if m.phone.HasLiveMedia() {
		track, err := m.source.Open(ctx, deviceID)
		if err != nil {
			return apperr.New(apperr.Device, "open input", err)
		}
		if err := m.phone.ReplaceTrack(ctx, track); err != nil {
			track.Stop()
			return err
		}
	}

	m.mu.Lock()
	m.devices.SelectedInput = deviceID
	m.mu.Unlock()

	m.phone.SetInputDevice(deviceID)
	if err := m.store.Set(ctx, store.KeySelectedInput, deviceID); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist input device")
	}
	return nil
}

func (m *Manager) useOutput(ctx context.Context, deviceID string) error {
	if m.phone.HasLiveMedia() {
		if err := m.phone.SetSink(ctx, deviceID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.devices.SelectedOutput = deviceID
	m.mu.Unlock()

	if err := m.store.Set(ctx, store.KeySelectedOutput, deviceID); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist output device")
	}
	return nil
}

// ApplyOutput points a newly established call at the selected output
func (m *Manager) ApplyOutput(ctx context.Context) error {
	m.mu.Lock()
	output := m.devices.SelectedOutput
	m.mu.Unlock()

	if output == types.DefaultDeviceID || !m.phone.HasLiveMedia() {
		return nil
	}
	return m.phone.SetSink(ctx, output)
}

// Refresh re-enumerates after an OS device change and falls back to the
// default device when a selected one disappeared
func (m *Manager) Refresh(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) error {
	devices, err := m.source.Enumerate(ctx)
	if err != nil {
		return apperr.New(apperr.Device, "enumerate devices", err)
	}
	inputs, outputs := media.Split(devices)

	m.mu.Lock()
	m.devices.Input = inputs
	m.devices.Output = outputs
	input, output := m.devices.SelectedInput, m.devices.SelectedOutput
	m.mu.Unlock()

	var errs []error
	if input != types.DefaultDeviceID && !media.Contains(inputs, input) {
		ferr := m.useInput(ctx, types.DefaultDeviceID)
		m.fallback(ctx, types.DeviceInput, input, ferr)
		errs = append(errs, ferr)
	}
	if output != types.DefaultDeviceID && !media.Contains(outputs, output) {
		ferr := m.useOutput(ctx, types.DefaultDeviceID)
		m.fallback(ctx, types.DeviceOutput, output, ferr)
		errs = append(errs, ferr)
	}

	m.emit(ctx, Event{Kind: EventDevices, Devices: m.Devices()})
	return errors.Join(errs...)
}

func (m *Manager) fallback(ctx context.Context, kind types.DeviceKind, missing string, err error) {
	m.metrics.RecordDeviceFallback()

	warning := fmt.Sprintf("%s device %s disconnected, switched to default", kind, missing)
	if err != nil {
		warning = fmt.Sprintf("%s device %s disconnected and default device failed: %v", kind, missing, err)
	}
	m.logger.Warn().Str("kind", string(kind)).Str("device", missing).Err(err).Msg("selected device disappeared")
	m.emit(ctx, Event{Kind: EventFallback, Devices: m.Devices(), Warning: warning})
}

// Devices returns a snapshot of the device set
func (m *Manager) Devices() types.AudioDeviceSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.devices
	set.Input = append([]types.AudioDevice(nil), m.devices.Input...)
	set.Output = append([]types.AudioDevice(nil), m.devices.Output...)
	return set
}

func (m *Manager) emit(ctx context.Context, e Event) {
	select {
	case m.events <- e:
	case <-ctx.Done():
		m.logger.Debug().Str("kind", string(e.Kind)).Msg("context done, event discarded")
	}
}
