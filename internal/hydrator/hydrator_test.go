package hydrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"
)

type fakeBackend struct {
	mu sync.Mutex

	matches   []types.Customer
	matchErr  error
	scriptErr error
	records   map[string]types.Customer
	gate      chan struct{} // blocks MatchCustomerByPhone when set

	creates []string
	loads   []string
}

func (f *fakeBackend) FetchProductConfig(_ context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"plans":["basic"]}`), nil
}

func (f *fakeBackend) FetchScript(_ context.Context, queue string) ([]types.Slide, error) {
	if f.scriptErr != nil {
		return nil, f.scriptErr
	}
	return []types.Slide{{Title: "Greeting " + queue}}, nil
}

func (f *fakeBackend) FetchCampaignSettings(_ context.Context, _ string) (json.RawMessage, error) {
	return json.RawMessage(`{"recording":true}`), nil
}

func (f *fakeBackend) MatchCustomerByPhone(ctx context.Context, _ string) ([]types.Customer, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.matches, f.matchErr
}

func (f *fakeBackend) CreateCustomer(_ context.Context, number string) (types.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, number)
	return types.Customer{"customer_id": "new-1", "phone": number}, nil
}

func (f *fakeBackend) LoadCustomer(_ context.Context, customerID string) (types.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, customerID)
	if r, ok := f.records[customerID]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) calls() (creates, loads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), len(f.loads)
}

func inbound(sessionID string) types.CallSession {
	return types.CallSession{
		SessionID:          sessionID,
		CallID:             "abc-123",
		Direction:          types.DirectionInbound,
		QueueName:          "sales@x",
		CounterpartyNumber: "2065551212",
		State:              types.CallRingingIn,
	}
}

func hydrate(t *testing.T, b *fakeBackend) (*Hydrator, types.CallContext) {
	t.Helper()
	h := New(b, metrics.New(), zerolog.Nop())
	if !h.Start(context.Background(), inbound("s1")) {
		t.Fatal("expected hydration to start")
	}
	h.Wait()
	return h, h.Context()
}

func TestSingleMatchLoadsRecord(t *testing.T) {
	b := &fakeBackend{
		matches: []types.Customer{{"customer_id": "cust-7"}},
		records: map[string]types.Customer{"cust-7": {"customer_id": "cust-7", "first_name": "Ada"}},
	}
	_, cc := hydrate(t, b)

	creates, loads := b.calls()
	if creates != 0 || loads != 1 {
		t.Fatalf("expected 0 creates and 1 load, got %d and %d", creates, loads)
	}
	if b.loads[0] != "cust-7" {
		t.Errorf("expected load of cust-7, got %s", b.loads[0])
	}
	if cc.Customer["first_name"] != "Ada" {
		t.Errorf("expected loaded record, got %v", cc.Customer)
	}
	if len(cc.ScriptSlides) != 1 || cc.ProductOfferings == nil || cc.CampaignSettings == nil {
		t.Errorf("expected every field populated, got %+v", cc)
	}
	if len(cc.Errors) != 0 {
		t.Errorf("expected no errors, got %v", cc.Errors)
	}
}

func TestNoMatchCreatesRecord(t *testing.T) {
	b := &fakeBackend{}
	_, cc := hydrate(t, b)

	creates, loads := b.calls()
	if creates != 1 || loads != 0 {
		t.Fatalf("expected 1 create and 0 loads, got %d and %d", creates, loads)
	}
	if cc.Customer.ID() != "new-1" {
		t.Errorf("expected created record, got %v", cc.Customer)
	}
}

func TestMultipleMatchesExposeCandidates(t *testing.T) {
	matches := []types.Customer{{"customer_id": "a"}, {"customer_id": "b"}}
	b := &fakeBackend{
		matches: matches,
		records: map[string]types.Customer{"b": {"customer_id": "b", "first_name": "Bea"}},
	}
	h, cc := hydrate(t, b)

	creates, loads := b.calls()
	if creates != 0 || loads != 0 {
		t.Fatalf("expected no create or load, got %d and %d", creates, loads)
	}
	if len(cc.Candidates) != 2 || cc.Candidates[0].ID() != "a" || cc.Candidates[1].ID() != "b" {
		t.Fatalf("expected candidates unchanged, got %v", cc.Candidates)
	}
	if cc.Customer != nil {
		t.Errorf("expected no customer selected, got %v", cc.Customer)
	}

	if _, err := h.SelectCandidate(context.Background(), "zzz"); !errors.Is(err, ErrUnknownCustomer) {
		t.Errorf("expected ErrUnknownCustomer, got %v", err)
	}
	customer, err := h.SelectCandidate(context.Background(), "b")
	if err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	if customer["first_name"] != "Bea" {
		t.Errorf("unexpected customer %v", customer)
	}
	if cc := h.Context(); cc.Customer.ID() != "b" || cc.Candidates != nil {
		t.Errorf("expected candidate resolved, got %+v", cc)
	}
}

func TestPartialFailureKeepsOtherFields(t *testing.T) {
	b := &fakeBackend{
		scriptErr: errors.New("script service down"),
		matches:   []types.Customer{{"customer_id": "cust-7"}},
		records:   map[string]types.Customer{"cust-7": {"customer_id": "cust-7"}},
	}
	m := metrics.New()
	h := New(b, m, zerolog.Nop())
	h.Start(context.Background(), inbound("s1"))
	h.Wait()

	var failed []Event
	for i := 0; i < 4; i++ {
		e := <-h.Events()
		if e.Err != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) != 1 || failed[0].Field != types.FieldScript {
		t.Fatalf("expected only the script field to fail, got %+v", failed)
	}
	if !apperr.IsKind(failed[0].Err, apperr.Hydration) {
		t.Errorf("expected hydration error kind, got %v", failed[0].Err)
	}

	cc := h.Context()
	if cc.Errors[types.FieldScript] == "" {
		t.Error("expected script error recorded on the context")
	}
	if cc.ScriptSlides != nil {
		t.Error("expected no slides")
	}
	if cc.Customer.ID() != "cust-7" || cc.ProductOfferings == nil {
		t.Errorf("expected other fields populated, got %+v", cc)
	}
}

func TestStartGating(t *testing.T) {
	h := New(&fakeBackend{}, nil, zerolog.Nop())

	noQueue := inbound("s1")
	noQueue.QueueName = ""
	if h.Start(context.Background(), noQueue) {
		t.Error("expected no hydration without a queue")
	}

	noNumber := inbound("s2")
	noNumber.CounterpartyNumber = ""
	if h.Start(context.Background(), noNumber) {
		t.Error("expected no hydration without a number")
	}

	if !h.Start(context.Background(), inbound("s3")) {
		t.Fatal("expected hydration to start")
	}
	if h.Start(context.Background(), inbound("s3")) {
		t.Error("expected a second start for the same call to be ignored")
	}
	h.Wait()
}

func TestStaleResultsDiscarded(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	h := New(b, nil, zerolog.Nop())

	h.Start(context.Background(), inbound("s1"))
	h.Clear("s1")
	close(b.gate)
	h.Wait()

	cc := h.Context()
	if cc.SessionID != "" || cc.Customer != nil || cc.ScriptSlides != nil {
		t.Fatalf("expected cleared context to stay empty, got %+v", cc)
	}
}

func TestSetCustomerRequiresContext(t *testing.T) {
	h := New(&fakeBackend{}, nil, zerolog.Nop())
	if err := h.SetCustomer(types.Customer{"a": 1}); !errors.Is(err, ErrNoContext) {
		t.Errorf("expected ErrNoContext, got %v", err)
	}
}
