package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ALSASource enumerates PCM devices from /proc/asound and opens capture
// tracks on the matching /dev/snd nodes
type ALSASource struct {
	asoundPath string
	devPath    string
	logger     zerolog.Logger
}

// NewALSASource creates a device source. asoundPath is normally /proc/asound
// and devPath /dev/snd.
func NewALSASource(asoundPath, devPath string, logger zerolog.Logger) *ALSASource {
	return &ALSASource{
		asoundPath: asoundPath,
		devPath:    devPath,
		logger:     logger.With().Str("component", "alsa").Logger(),
	}
}

type pcmEntry struct {
	card, device int
	name         string
	playback     bool
	capture      bool
}

// Enumerate lists capture and playback devices. The platform default of each
// kind is listed first when any device of that kind exists.
func (s *ALSASource) Enumerate(ctx context.Context) ([]types.AudioDevice, error) {
	entries, err := s.readPCM()
	if err != nil {
		return nil, err
	}

	var inputs, outputs []types.AudioDevice
	for _, e := range entries {
		id := fmt.Sprintf("hw:%d,%d", e.card, e.device)
		if e.capture {
			inputs = append(inputs, types.AudioDevice{ID: id, Label: e.name, Kind: types.DeviceInput})
		}
		if e.playback {
			outputs = append(outputs, types.AudioDevice{ID: id, Label: e.name, Kind: types.DeviceOutput})
		}
	}

	var devices []types.AudioDevice
	if len(inputs) > 0 {
		devices = append(devices, types.AudioDevice{ID: types.DefaultDeviceID, Label: "Default", Kind: types.DeviceInput})
		devices = append(devices, inputs...)
	}
	if len(outputs) > 0 {
		devices = append(devices, types.AudioDevice{ID: types.DefaultDeviceID, Label: "Default", Kind: types.DeviceOutput})
		devices = append(devices, outputs...)
	}
	return devices, nil
}

// readPCM parses lines of the form
// "00-01: ALC892 Digital : ALC892 Digital : playback 1 : capture 1"
func (s *ALSASource) readPCM() ([]pcmEntry, error) {
	f, err := os.Open(filepath.Join(s.asoundPath, "pcm"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open pcm list: %w", err)
	}
	defer f.Close()

	var entries []pcmEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		id, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		cardStr, devStr, ok := strings.Cut(strings.TrimSpace(id), "-")
		if !ok {
			continue
		}
		card, err1 := strconv.Atoi(cardStr)
		dev, err2 := strconv.Atoi(devStr)
		if err1 != nil || err2 != nil {
			s.logger.Debug().Str("line", line).Msg("skipping malformed pcm entry")
			continue
		}

		e := pcmEntry{card: card, device: dev}
		for i, part := range strings.Split(rest, ":") {
			part = strings.TrimSpace(part)
			switch {
			case i == 0:
				e.name = part
			case strings.HasPrefix(part, "playback"):
				e.playback = true
			case strings.HasPrefix(part, "capture"):
				e.capture = true
			}
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Open claims the capture node for deviceID. "default" resolves to the
// first capture device.
func (s *ALSASource) Open(ctx context.Context, deviceID string) (Track, error) {
	entries, err := s.readPCM()
	if err != nil {
		return nil, err
	}

	var target *pcmEntry
	for i := range entries {
		e := &entries[i]
		if !e.capture {
			continue
		}
		if deviceID == types.DefaultDeviceID || deviceID == fmt.Sprintf("hw:%d,%d", e.card, e.device) {
			target = e
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}

	node := filepath.Join(s.devPath, fmt.Sprintf("pcmC%dD%dc", target.card, target.device))
	f, err := os.OpenFile(node, os.O_RDONLY, 0)
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%s: %w", node, ErrPermissionDenied)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", node, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", node, err)
	}

	s.logger.Debug().Str("device", deviceID).Str("node", node).Msg("capture track opened")
	return &fileTrack{id: uuid.NewString(), deviceID: deviceID, file: f, enabled: true}, nil
}

// fileTrack holds a capture node open for the lifetime of the track
type fileTrack struct {
	id       string
	deviceID string
	file     *os.File

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fileTrack) ID() string       { return t.id }
func (t *fileTrack) DeviceID() string { return t.deviceID }

func (t *fileTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fileTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *fileTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.file.Close()
}

func (t *fileTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
