package customer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const training = "training@sip.lifeshieldmedicalalerts.com"

type recordingUpdater struct {
	mu      sync.Mutex
	written []types.Customer
	calls   chan types.Customer
	block   chan struct{}
	err     error
}

func newRecordingUpdater() *recordingUpdater {
	return &recordingUpdater{calls: make(chan types.Customer, 10)}
}

func (u *recordingUpdater) UpdateCustomer(ctx context.Context, c types.Customer) error {
	if u.block != nil {
		<-u.block
	}
	u.mu.Lock()
	u.written = append(u.written, c)
	u.mu.Unlock()
	u.calls <- c
	return u.err
}

func (u *recordingUpdater) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.written)
}

func waitWrite(t *testing.T, u *recordingUpdater) types.Customer {
	t.Helper()
	select {
	case c := <-u.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for customer write")
		return nil
	}
}

func TestPersistsPolicy(t *testing.T) {
	w := NewWriter(newRecordingUpdater(), clockwork.NewFakeClock(), 0, training, zerolog.Nop())

	tests := []struct {
		name   string
		target Target
		want   bool
	}{
		{"sales queue", Target{QueueName: "sales@x"}, true},
		{"training queue", Target{QueueName: training}, false},
		{"no queue inbound", Target{}, false},
		{"outbound", Target{Outbound: true}, true},
		{"training outbound", Target{QueueName: training, Outbound: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Persists(tt.target); got != tt.want {
				t.Errorf("Persists(%+v) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}

func TestDebounceWritesLatestOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())
	target := Target{QueueName: "sales@x"}

	w.Queue(types.Customer{"customer_id": "7", "first_name": "A"}, target)
	clock.Advance(300 * time.Millisecond)
	w.Queue(types.Customer{"customer_id": "7", "first_name": "Ad"}, target)
	clock.Advance(300 * time.Millisecond)
	w.Queue(types.Customer{"customer_id": "7", "first_name": "Ada"}, target)

	clock.Advance(499 * time.Millisecond)
	if u.count() != 0 {
		t.Fatalf("expected no write inside the quiet period, got %d", u.count())
	}

	clock.Advance(time.Millisecond)
	got := waitWrite(t, u)
	if got["first_name"] != "Ada" {
		t.Errorf("expected latest record, got %v", got)
	}
	if w.Pending() {
		t.Errorf("expected no pending record after write")
	}
	if u.count() != 1 {
		t.Errorf("expected exactly one write, got %d", u.count())
	}
}

func TestQueueDropsTrainingEdits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())

	if w.Queue(types.Customer{"customer_id": "1"}, Target{QueueName: training}) {
		t.Fatal("expected training edit to be dropped")
	}
	if w.Pending() {
		t.Fatal("training edit must not be pending")
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if u.count() != 0 {
		t.Errorf("expected no writes, got %d", u.count())
	}
}

func TestFlushWritesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())

	w.Queue(types.Customer{"customer_id": "9"}, Target{Outbound: true})
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if u.count() != 1 {
		t.Fatalf("expected one write, got %d", u.count())
	}

	// the cancelled timer must not write again
	clock.Advance(time.Second)
	if u.count() != 1 {
		t.Errorf("expected timer to be cancelled, got %d writes", u.count())
	}
}

func TestNewerRecordWaitsForInFlightWrite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	u.block = make(chan struct{})
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())
	target := Target{QueueName: "sales@x"}

	flushed := make(chan error, 1)
	w.Queue(types.Customer{"v": "1"}, target)
	go func() { flushed <- w.Flush(context.Background()) }()

	// wait until the first write has taken the pending record
	deadline := time.Now().Add(2 * time.Second)
	for w.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("first write never started")
		}
		time.Sleep(time.Millisecond)
	}

	w.Queue(types.Customer{"v": "2"}, target)
	clock.Advance(DefaultDebounce)

	close(u.block)
	first := waitWrite(t, u)
	second := waitWrite(t, u)
	if first["v"] != "1" || second["v"] != "2" {
		t.Errorf("expected ordered writes 1 then 2, got %v then %v", first["v"], second["v"])
	}
	if err := <-flushed; err != nil {
		t.Errorf("flush: %v", err)
	}
}

func TestWriteErrorReported(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	u.err = errors.New("backend down")
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())

	results := make(chan error, 1)
	w.OnResult(func(err error) { results <- err })
	w.Queue(types.Customer{"customer_id": "3"}, Target{QueueName: "sales@x"})
	clock.Advance(DefaultDebounce)

	select {
	case err := <-results:
		if err == nil {
			t.Fatal("expected write error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestDiscard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := newRecordingUpdater()
	w := NewWriter(u, clock, DefaultDebounce, training, zerolog.Nop())

	w.Queue(types.Customer{"customer_id": "4"}, Target{QueueName: "sales@x"})
	w.Discard()
	clock.Advance(time.Second)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if u.count() != 0 {
		t.Errorf("expected discarded record not to be written, got %d", u.count())
	}
}
