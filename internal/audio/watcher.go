package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultSettle coalesces the burst of node events a single plug produces
const DefaultSettle = 250 * time.Millisecond

// Watcher reports OS audio device changes by watching the device node
// directory
type Watcher struct {
	path   string
	settle time.Duration
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewWatcher creates a watcher on path
func NewWatcher(path string, settle time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		path:   path,
		settle: settle,
		clock:  clock,
		logger: logger.With().Str("component", "device-watcher").Str("path", path).Logger(),
	}
}

// Run calls onChange once per settled burst of device node changes until
// ctx ends
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info().Msg("watching audio devices")

	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().Str("node", ev.Name).Str("op", ev.Op.String()).Msg("device node changed")
			if timer != nil {
				timer.Stop()
			}
			timer = w.clock.AfterFunc(w.settle, onChange)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("device watcher error")
		}
	}
}
