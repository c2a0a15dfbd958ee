// Package hydrator loads the business context of a call as it arrives.
package hydrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrNoContext       = errors.New("no call context")
	ErrUnknownCustomer = errors.New("customer is not a match candidate")
)

// Backend is the subset of the REST API the hydrator calls
type Backend interface {
	FetchProductConfig(ctx context.Context) (json.RawMessage, error)
	FetchScript(ctx context.Context, queue string) ([]types.Slide, error)
	FetchCampaignSettings(ctx context.Context, queue string) (json.RawMessage, error)
	MatchCustomerByPhone(ctx context.Context, number string) ([]types.Customer, error)
	CreateCustomer(ctx context.Context, number string) (types.Customer, error)
	LoadCustomer(ctx context.Context, customerID string) (types.Customer, error)
}

// Event reports one field of a session's context settling
type Event struct {
	SessionID string
	Field     types.ContextField
	Err       error
}

// Hydrator owns the single CallContext
type Hydrator struct {
	backend Backend
	metrics *metrics.Metrics
	events  chan Event
	logger  zerolog.Logger

	mu      sync.Mutex
	current types.CallContext
	wg      sync.WaitGroup
}

// New creates a hydrator
func New(backend Backend, m *metrics.Metrics, logger zerolog.Logger) *Hydrator {
	return &Hydrator{
		backend: backend,
		metrics: m,
		events:  make(chan Event, 32),
		logger:  logger.With().Str("component", "hydrator").Logger(),
	}
}

// Events returns field completion events
func (h *Hydrator) Events() <-chan Event {
	return h.events
}

// Start begins hydration for a call. It returns false when the call lacks
// a queue or a number, or was already started.
func (h *Hydrator) Start(ctx context.Context, call types.CallSession) bool {
	if call.QueueName == "" || call.CounterpartyNumber == "" || call.SessionID == "" {
		return false
	}

	h.mu.Lock()
	if h.current.SessionID == call.SessionID {
		h.mu.Unlock()
		return false
	}
	h.current = types.CallContext{SessionID: call.SessionID}
	h.mu.Unlock()

	log := h.logger.With().
		Str("session_id", call.SessionID).
		Str("queue", call.QueueName).
		Logger()
	log.Info().Msg("hydrating call context")

	sessionID, queue, number := call.SessionID, call.QueueName, call.CounterpartyNumber

	h.run(ctx, sessionID, types.FieldProducts, func(ctx context.Context) (func(*types.CallContext), error) {
		data, err := h.backend.FetchProductConfig(ctx)
		return func(cc *types.CallContext) { cc.ProductOfferings = data }, err
	})
	h.run(ctx, sessionID, types.FieldScript, func(ctx context.Context) (func(*types.CallContext), error) {
		slides, err := h.backend.FetchScript(ctx, queue)
		return func(cc *types.CallContext) { cc.ScriptSlides = slides }, err
	})
	h.run(ctx, sessionID, types.FieldCampaign, func(ctx context.Context) (func(*types.CallContext), error) {
		data, err := h.backend.FetchCampaignSettings(ctx, queue)
		return func(cc *types.CallContext) { cc.CampaignSettings = data }, err
	})
	h.run(ctx, sessionID, types.FieldCustomer, func(ctx context.Context) (func(*types.CallContext), error) {
		return h.resolveCustomer(ctx, number)
	})
	return true
}

// resolveCustomer applies the match policy: none creates, one loads, many
// are left for the agent to pick from
func (h *Hydrator) resolveCustomer(ctx context.Context, number string) (func(*types.CallContext), error) {
	matches, err := h.backend.MatchCustomerByPhone(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("match by phone: %w", err)
	}

	switch len(matches) {
	case 0:
		customer, err := h.backend.CreateCustomer(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
		return func(cc *types.CallContext) { cc.Customer = customer }, nil
	case 1:
		customer, err := h.backend.LoadCustomer(ctx, matches[0].ID())
		if err != nil {
			return nil, fmt.Errorf("load customer: %w", err)
		}
		return func(cc *types.CallContext) { cc.Customer = customer }, nil
	default:
		return func(cc *types.CallContext) { cc.Candidates = matches }, nil
	}
}

func (h *Hydrator) run(ctx context.Context, sessionID string, field types.ContextField, fetch func(context.Context) (func(*types.CallContext), error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		apply, err := fetch(ctx)

		h.mu.Lock()
		if h.current.SessionID != sessionID {
			h.mu.Unlock()
			h.logger.Debug().Str("session_id", sessionID).Str("field", string(field)).Msg("discarding stale result")
			return
		}
		if err != nil {
			if h.current.Errors == nil {
				h.current.Errors = make(map[types.ContextField]string)
			}
			h.current.Errors[field] = err.Error()
		} else if apply != nil {
			apply(&h.current)
		}
		h.mu.Unlock()

		if err != nil {
			err = apperr.New(apperr.Hydration, string(field), err)
			h.metrics.RecordHydrationError(field)
			h.logger.Warn().Err(err).Str("session_id", sessionID).Str("field", string(field)).Msg("hydration failed")
		}
		h.emit(ctx, Event{SessionID: sessionID, Field: field, Err: err})
	}()
}

// SelectCandidate loads one of several matching customers chosen by the agent
func (h *Hydrator) SelectCandidate(ctx context.Context, customerID string) (types.Customer, error) {
	h.mu.Lock()
	sessionID := h.current.SessionID
	found := false
	for _, c := range h.current.Candidates {
		if c.ID() == customerID {
			found = true
			break
		}
	}
	h.mu.Unlock()

	if sessionID == "" {
		return nil, ErrNoContext
	}
	if !found {
		return nil, ErrUnknownCustomer
	}

	customer, err := h.backend.LoadCustomer(ctx, customerID)
	if err != nil {
		h.metrics.RecordHydrationError(types.FieldCustomer)
		return nil, apperr.New(apperr.Hydration, "select customer", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.SessionID != sessionID {
		return nil, ErrNoContext
	}
	h.current.Customer = customer
	h.current.Candidates = nil
	delete(h.current.Errors, types.FieldCustomer)
	return customer.Clone(), nil
}

// SetCustomer replaces the local customer record with the agent's edits
func (h *Hydrator) SetCustomer(customer types.Customer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.SessionID == "" {
		return ErrNoContext
	}
	h.current.Customer = customer.Clone()
	return nil
}

// Clear drops the context of sessionID; results still in flight for it are
// discarded
func (h *Hydrator) Clear(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.SessionID == sessionID {
		h.current = types.CallContext{}
	}
}

// Context returns a copy of the current call context
func (h *Hydrator) Context() types.CallContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	cc := h.current
	cc.Customer = h.current.Customer.Clone()
	if h.current.Candidates != nil {
		cc.Candidates = append([]types.Customer(nil), h.current.Candidates...)
	}
	if h.current.Errors != nil {
		cc.Errors = make(map[types.ContextField]string, len(h.current.Errors))
		for k, v := range h.current.Errors {
			cc.Errors[k] = v
		}
	}
	return cc
}

// Wait blocks until every started fetch has settled
func (h *Hydrator) Wait() {
	h.wg.Wait()
}

func (h *Hydrator) emit(ctx context.Context, e Event) {
	select {
	case h.events <- e:
	case <-ctx.Done():
		h.logger.Debug().Str("field", string(e.Field)).Msg("hydration cancelled, event discarded")
	}
}
