// Package customer persists in-call edits to the customer record.
package customer

import (
	"context"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a pending record is written
const DefaultDebounce = 500 * time.Millisecond

const writeTimeout = 15 * time.Second

// Updater writes a full customer record to the backend
type Updater interface {
	UpdateCustomer(ctx context.Context, customer types.Customer) error
}

// Target identifies the call an edit belongs to
type Target struct {
	QueueName string
	Outbound  bool
}

// Writer coalesces customer edits and writes the newest one after a quiet
// period. At most one write is in flight; a record queued meanwhile waits
// for it to finish.
type Writer struct {
	updater       Updater
	clock         clockwork.Clock
	debounce      time.Duration
	trainingQueue string
	logger        zerolog.Logger

	mu      sync.Mutex
	pending types.Customer
	timer   clockwork.Timer

	// held for the duration of a backend write
	writeMu sync.Mutex

	onResult func(err error)
}

// NewWriter creates a debounced writer. Edits made on trainingQueue calls are
// never persisted.
func NewWriter(updater Updater, clock clockwork.Clock, debounce time.Duration, trainingQueue string, logger zerolog.Logger) *Writer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Writer{
		updater:       updater,
		clock:         clock,
		debounce:      debounce,
		trainingQueue: trainingQueue,
		logger:        logger.With().Str("component", "customer_writer").Logger(),
	}
}

// OnResult registers a callback for the outcome of debounced writes
func (w *Writer) OnResult(f func(err error)) {
	w.mu.Lock()
	w.onResult = f
	w.mu.Unlock()
}

// Persists reports whether edits for target are sent to the backend
func (w *Writer) Persists(target Target) bool {
	if target.QueueName != "" && target.QueueName != w.trainingQueue {
		return true
	}
	return target.Outbound
}

// Queue replaces any pending record with customer and restarts the quiet
// period. It returns false when the edit is accepted but not persisted.
func (w *Writer) Queue(customer types.Customer, target Target) bool {
	if !w.Persists(target) {
		w.logger.Debug().
			Str("queue", target.QueueName).
			Msg("customer edit not persisted for this call")
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = customer.Clone()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, func() {
		err := w.write(context.Background())
		w.mu.Lock()
		cb := w.onResult
		w.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
	return true
}

// Pending reports whether a record is waiting for its quiet period
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

// Flush writes the pending record now, waiting for any in-flight write
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	return w.write(ctx)
}

// Discard drops the pending record without writing it
func (w *Writer) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
}

func (w *Writer) write(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	record := w.pending
	w.pending = nil
	w.mu.Unlock()

	if record == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := w.updater.UpdateCustomer(ctx, record); err != nil {
		w.logger.Error().
			Err(err).
			Str("customer_id", record.ID()).
			Msg("Failed to update customer")
		return err
	}

	w.logger.Debug().Str("customer_id", record.ID()).Msg("customer record saved")
	return nil
}
