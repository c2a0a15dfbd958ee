// Package desk runs the agent desk: one dispatch loop consuming the events
// of every component and the operations the presentation layer invokes.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/audio"
	"github.com/LifeShieldMedicalAlerts/crm/internal/billing"
	"github.com/LifeShieldMedicalAlerts/crm/internal/controlchannel"
	"github.com/LifeShieldMedicalAlerts/crm/internal/customer"
	"github.com/LifeShieldMedicalAlerts/crm/internal/disposition"
	"github.com/LifeShieldMedicalAlerts/crm/internal/hydrator"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/script"
	"github.com/LifeShieldMedicalAlerts/crm/internal/store"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const historyTimeout = 5 * time.Second

var (
	ErrNoScript   = errors.New("no script loaded for this call")
	ErrSlideRange = errors.New("slide index out of range")
	ErrNoCustomer = errors.New("no customer record for this call")
	ErrNoPresence = errors.New("control channel not available")
)

// Presence is the control channel as seen by the desk
type Presence interface {
	Events() <-chan controlchannel.Event
	Presence() (types.AgentPresence, bool)
	UpdateStatus(status types.AgentStatus) error
	Connection() types.TransportConnection
	Close()
}

// Deps are the components the desk wires together
type Deps struct {
	Telephony *telephony.Manager
	Presence  Presence
	Hydrator  *hydrator.Hydrator
	Governor  *disposition.Governor
	Audio     *audio.Manager
	Customers *customer.Writer
	Billing   *billing.Service
	Store     store.Store
	Metrics   *metrics.Metrics
	Clock     clockwork.Clock
	Agent     types.AgentProfile
	// SignOut clears the identity after a successful logout
	SignOut func()
}

// Status is the snapshot served to the presentation layer
type Status struct {
	Agent           string                      `json:"agent"`
	Presence        *types.AgentPresence        `json:"presence,omitempty"`
	Countdown       string                      `json:"countdown"`
	Call            types.CallSession           `json:"call"`
	HeldCall        *types.CallSession          `json:"heldCall,omitempty"`
	MustDisposition bool                        `json:"mustDisposition"`
	Connections     []types.TransportConnection `json:"connections"`
	Warning         string                      `json:"warning,omitempty"`
}

// RenderedSlide is a script slide with placeholders resolved
type RenderedSlide struct {
	Index   int         `json:"index"`
	Total   int         `json:"total"`
	Slide   types.Slide `json:"slide"`
	Missing []string    `json:"missing,omitempty"`
}

// Desk owns the cross-component workflow
type Desk struct {
	deps   Deps
	clock  clockwork.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	payment    types.PaymentInformation
	disclaimer bool
	warning    string
	loggedOut  bool
}

// New wires the components together. Run must be started to dispatch
// their events.
func New(deps Deps, logger zerolog.Logger) *Desk {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Store == nil {
		deps.Store = store.NewNoopStore()
	}
	d := &Desk{
		deps:   deps,
		clock:  deps.Clock,
		logger: logger.With().Str("component", "desk").Logger(),
	}

	deps.Governor.SetAgentID(deps.Agent.AgentID)
	deps.Governor.BeforeSubmit(func(ctx context.Context) error {
		return deps.Customers.Flush(ctx)
	})
	deps.Governor.OnCleared(d.onCleared)
	deps.Customers.OnResult(func(err error) {
		if err != nil {
			deps.Metrics.RecordCustomerWriteFailure()
			d.logger.Warn().Err(err).Msg("customer update failed")
		}
	})
	return d
}

// Run dispatches component events in arrival order until ctx ends
func (d *Desk) Run(ctx context.Context) {
	go d.deps.Governor.Run(ctx, d.presence)

	var presenceEvents <-chan controlchannel.Event
	if d.deps.Presence != nil {
		presenceEvents = d.deps.Presence.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.deps.Telephony.Events():
			d.handleTelephony(ctx, e)
		case e := <-presenceEvents:
			d.handlePresence(e)
		case e := <-d.deps.Hydrator.Events():
			d.handleHydration(e)
		case e := <-d.deps.Audio.Events():
			d.handleDevices(e)
		}
	}
}

func (d *Desk) handleTelephony(ctx context.Context, e telephony.Event) {
	switch e.Kind {
	case telephony.EventIncoming, telephony.EventOutbound:
		d.resetCallInputs()
		if d.deps.Hydrator.Start(ctx, e.Call) {
			return
		}
		d.logger.Debug().Str("session_id", e.Call.SessionID).Msg("call has no queue and number, skipping hydration")

	case telephony.EventState:
		if e.Call.State == types.CallEstablished {
			if err := d.deps.Audio.ApplyOutput(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("failed to apply output device")
			}
		}

	case telephony.EventTerminated:
		d.terminated(ctx, e.Call)

	case telephony.EventSetupFailed:
		d.logger.Warn().Err(e.Err).Msg("call attempt failed")

	case telephony.EventConnection:
		d.logger.Debug().
			Str("state", string(e.Connection.State)).
			Int("attempt", e.Connection.ReconnectAttempt).
			Msg("signaling connection changed")
	}
}

// terminated runs after the call manager's own cleanup. Established calls
// are held for disposition, anything else is cleared here.
func (d *Desk) terminated(ctx context.Context, call types.CallSession) {
	if d.deps.Governor.Hold(call) {
		if call.Outbound() && d.deps.Presence != nil {
			if err := d.deps.Presence.UpdateStatus(types.StatusWrapUp); err != nil {
				d.logger.Warn().Err(err).Msg("failed to enter wrap up")
			}
		}
		return
	}

	d.deps.Hydrator.Clear(call.SessionID)
	d.deps.Customers.Discard()
	d.record(ctx, call, "")
}

func (d *Desk) onCleared(c disposition.Cleared) {
	if !c.Callback {
		// a callback keeps the customer context for the redial
		d.deps.Hydrator.Clear(c.Call.SessionID)
		d.deps.Customers.Discard()
	}
	d.record(context.Background(), c.Call, c.Code)
}

func (d *Desk) record(ctx context.Context, call types.CallSession, code string) {
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	rec := types.RecordFor(call, code, d.clock.Now())
	if err := d.deps.Store.SaveCallRecord(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Str("session_id", call.SessionID).Msg("failed to save call history")
	}
}

func (d *Desk) handlePresence(e controlchannel.Event) {
	switch e.Kind {
	case controlchannel.EventPresence:
		d.logger.Debug().Str("status", string(e.Presence.Status)).Msg("presence updated")
	case controlchannel.EventAuthFailed:
		d.setWarning("control channel authentication failed, sign in again")
		d.logger.Error().Err(e.Err).Msg("control channel authentication failed")
	case controlchannel.EventServerError:
		d.logger.Warn().Str("message", e.Message).Msg("control channel error")
	}
}

func (d *Desk) handleHydration(e hydrator.Event) {
	if e.Err != nil {
		d.logger.Warn().Err(e.Err).Str("field", string(e.Field)).Msg("call context field unavailable")
		return
	}
	d.logger.Debug().Str("session_id", e.SessionID).Str("field", string(e.Field)).Msg("call context field loaded")
}

func (d *Desk) handleDevices(e audio.Event) {
	if e.Kind == audio.EventFallback {
		d.setWarning(e.Warning)
	}
}

func (d *Desk) setWarning(w string) {
	d.mu.Lock()
	d.warning = w
	d.mu.Unlock()
}

func (d *Desk) presence() (types.AgentPresence, bool) {
	if d.deps.Presence == nil {
		return types.AgentPresence{}, false
	}
	return d.deps.Presence.Presence()
}

// Status returns the desk snapshot
func (d *Desk) Status() Status {
	s := Status{
		Agent:           d.deps.Agent.DisplayName(),
		Call:            d.deps.Telephony.Call(),
		MustDisposition: d.deps.Governor.MustDisposition(),
		Connections:     []types.TransportConnection{d.deps.Telephony.Connection()},
		Countdown:       disposition.FormatElapsed(0),
	}
	if held, ok := d.deps.Governor.Held(); ok {
		s.HeldCall = &held
	}
	if p, ok := d.presence(); ok {
		s.Presence = &p
		s.Countdown = disposition.FormatElapsed(d.deps.Governor.Countdown(p))
	}
	if d.deps.Presence != nil {
		s.Connections = append(s.Connections, d.deps.Presence.Connection())
	}

	d.mu.Lock()
	s.Warning = d.warning
	d.mu.Unlock()
	return s
}

// Dial places an outbound call. Microphone access is requested first when
// it has not been granted yet.
func (d *Desk) Dial(ctx context.Context, number string) error {
	if !d.deps.Telephony.PermissionGranted() {
		if _, err := d.RequestPermission(ctx); err != nil {
			return err
		}
	}
	return d.deps.Telephony.PlaceCall(ctx, number)
}

// Hangup ends the active call
func (d *Desk) Hangup(ctx context.Context) error {
	return d.deps.Telephony.Hangup(ctx)
}

// ToggleMute mutes or unmutes the agent
func (d *Desk) ToggleMute() (bool, error) {
	return d.deps.Telephony.ToggleMute()
}

// ToggleHold holds or resumes the call
func (d *Desk) ToggleHold(ctx context.Context) (bool, error) {
	return d.deps.Telephony.ToggleHold(ctx)
}

// SendDigits sends one DTMF tone
func (d *Desk) SendDigits(tone rune) error {
	return d.deps.Telephony.SendDigits(tone)
}

// Disposition records the outcome of the held call, optionally calling the
// customer back
func (d *Desk) Disposition(ctx context.Context, code string, callback bool) error {
	if callback {
		return d.deps.Governor.SubmitCallback(ctx, code)
	}
	return d.deps.Governor.Submit(ctx, code)
}

// SetPresence requests a presence change
func (d *Desk) SetPresence(status types.AgentStatus) error {
	if d.deps.Presence == nil {
		return ErrNoPresence
	}
	return d.deps.Presence.UpdateStatus(status)
}

// Logout signs the agent out once no call or disposition is outstanding
func (d *Desk) Logout(ctx context.Context) error {
	if err := d.deps.Governor.CanLogout(d.deps.Telephony.Call().State); err != nil {
		return err
	}

	d.mu.Lock()
	if d.loggedOut {
		d.mu.Unlock()
		return nil
	}
	d.loggedOut = true
	d.mu.Unlock()

	if d.deps.Presence != nil {
		if err := d.deps.Presence.UpdateStatus(types.StatusLoggedOut); err != nil {
			d.logger.Warn().Err(err).Msg("failed to report logged out status")
		}
		d.deps.Presence.Close()
	}
	if err := d.deps.Telephony.Stop(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to stop telephony")
	}
	if d.deps.SignOut != nil {
		d.deps.SignOut()
	}
	d.logger.Info().Msg("agent logged out")
	return nil
}

// CallContext returns the hydrated context of the current call
func (d *Desk) CallContext() types.CallContext {
	return d.deps.Hydrator.Context()
}

// UpdateCustomer applies the agent's edit locally and queues it for
// persistence
func (d *Desk) UpdateCustomer(customerRecord types.Customer) error {
	if err := d.deps.Hydrator.SetCustomer(customerRecord); err != nil {
		return err
	}
	d.deps.Customers.Queue(customerRecord, d.target())
	return nil
}

// target is the call customer edits belong to: the live call, else the one
// awaiting disposition
func (d *Desk) target() customer.Target {
	call := d.deps.Telephony.Call()
	if !call.Active() {
		call, _ = d.deps.Governor.Held()
	}
	return customer.Target{QueueName: call.QueueName, Outbound: call.Outbound()}
}

// SelectCustomer resolves a multiple-match lookup
func (d *Desk) SelectCustomer(ctx context.Context, customerID string) (types.Customer, error) {
	return d.deps.Hydrator.SelectCandidate(ctx, customerID)
}

// Devices returns the audio device set
func (d *Desk) Devices() types.AudioDeviceSet {
	return d.deps.Audio.Devices()
}

// RequestPermission re-checks microphone access. A granted permission
// completes a registration that was deferred for lack of it.
func (d *Desk) RequestPermission(ctx context.Context) (types.AudioDeviceSet, error) {
	return d.deps.Audio.RequestPermission(ctx)
}

// SelectDevices changes the audio devices
func (d *Desk) SelectDevices(ctx context.Context, input, output string) error {
	return d.deps.Audio.SelectDevices(ctx, input, output)
}

// VerifyAccount checks the entered bank account for the current customer
func (d *Desk) VerifyAccount(ctx context.Context, payment types.PaymentInformation) error {
	cust := d.deps.Hydrator.Context().Customer
	if cust == nil {
		return ErrNoCustomer
	}

	d.mu.Lock()
	d.payment = payment
	d.mu.Unlock()
	return d.deps.Billing.Verify(ctx, cust, payment)
}

// Subscribe creates the customer's subscription
func (d *Desk) Subscribe(ctx context.Context, payment types.PaymentInformation, disclaimerAccepted bool) error {
	cust := d.deps.Hydrator.Context().Customer
	if cust == nil {
		return ErrNoCustomer
	}
	if !disclaimerAccepted {
		return fmt.Errorf("create subscription: %w", billing.ErrDisclaimer)
	}

	d.mu.Lock()
	d.payment = payment
	d.disclaimer = true
	d.mu.Unlock()
	return d.deps.Billing.Subscribe(ctx, cust, payment)
}

// RenderSlide resolves slide index of the call script. A negative index
// selects the start slide.
func (d *Desk) RenderSlide(index int) (RenderedSlide, error) {
	cc := d.deps.Hydrator.Context()
	if len(cc.ScriptSlides) == 0 {
		return RenderedSlide{}, ErrNoScript
	}
	if index < 0 {
		index = script.StartIndex(cc.ScriptSlides)
	}
	if index >= len(cc.ScriptSlides) {
		return RenderedSlide{}, ErrSlideRange
	}

	d.mu.Lock()
	payment, disclaimer := d.payment, d.disclaimer
	d.mu.Unlock()

	data := script.Data{
		Customer: cc.Customer,
		Billing:  payment.Fields(),
		Agent:    d.deps.Agent.Fields,
	}
	slide := cc.ScriptSlides[index]
	return RenderedSlide{
		Index: index,
		Total: len(cc.ScriptSlides),
		Slide: script.RenderSlide(slide, data),
		Missing: script.MissingRequired(slide, script.Inputs{
			Form:               cc.Customer,
			Billing:            payment.Fields(),
			DisclaimerAccepted: disclaimer,
		}),
	}, nil
}

// History lists recent calls, newest first
func (d *Desk) History(ctx context.Context, limit int) ([]types.CallRecord, error) {
	return d.deps.Store.RecentCalls(ctx, limit)
}

func (d *Desk) resetCallInputs() {
	d.mu.Lock()
	d.payment = types.PaymentInformation{}
	d.disclaimer = false
	d.mu.Unlock()
}
