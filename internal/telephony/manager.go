// Package telephony drives the agent's call lifecycle over the signaling
// transport and owns the local capture track.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/backoff"
	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	refreshTimeout = 10 * time.Second

	// DTMFTones are the digits accepted by SendDigits
	DTMFTones = "0123456789*#ABCD"
)

var (
	ErrNotRegistered = errors.New("endpoint not registered")
	ErrNoPermission  = errors.New("audio permission not granted")
	ErrCallActive    = errors.New("a call is already active")
	ErrNoActiveCall  = errors.New("no established call")
	ErrInvalidTone   = errors.New("invalid DTMF tone")
)

// EventKind discriminates telephony events
type EventKind string

const (
	EventConnection  EventKind = "connection"
	EventIncoming    EventKind = "incoming"
	EventOutbound    EventKind = "outbound"
	EventState       EventKind = "state"
	EventTerminated  EventKind = "terminated"
	EventSetupFailed EventKind = "setup_failed"
)

// Event is delivered on the Events channel in transition order
type Event struct {
	Kind       EventKind
	Call       types.CallSession
	Connection types.TransportConnection
	Err        error
}

// Options configures a Manager
type Options struct {
	Domain  string
	Policy  backoff.Policy
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// Manager is the single owner of the active CallSession and its media
type Manager struct {
	signaling Signaling
	source    media.Source
	tones     Tones
	clock     clockwork.Clock
	counter   *backoff.Counter
	domain    string
	metrics   *metrics.Metrics
	events    chan Event
	stopped   chan struct{}
	stopOnce  sync.Once
	logger    zerolog.Logger

	mu              sync.Mutex
	creds           *Credentials
	permission      bool
	inputDevice     string
	registered      bool
	registering     bool
	connState       types.ConnState
	shouldReconnect bool
	reconnecting    bool
	reconnectTimer  clockwork.Timer
	lastErr         string

	call        types.CallSession
	session     Session
	invite      Invite
	track       media.Track
	cancelSetup context.CancelFunc
}

// NewManager creates a telephony manager
func NewManager(signaling Signaling, source media.Source, tones Tones, opts Options, logger zerolog.Logger) *Manager {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Signaling
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		signaling:   signaling,
		source:      source,
		tones:       tones,
		clock:       opts.Clock,
		counter:     backoff.NewCounter(opts.Policy),
		domain:      opts.Domain,
		metrics:     opts.Metrics,
		events:      make(chan Event, 128),
		stopped:     make(chan struct{}),
		logger:      logger.With().Str("component", "telephony").Logger(),
		inputDevice: types.DefaultDeviceID,
		connState:   types.ConnDisconnected,
		call:        types.CallSession{State: types.CallIdle},
	}
}

// Events returns the telephony event stream
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Target builds the request URI for a dialed number
func (m *Manager) Target(number string) string {
	return fmt.Sprintf("sip:%s@%s", number, m.domain)
}

// Run consumes signaling events until ctx is done
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-m.signaling.Incoming():
			if !ok {
				return
			}
			go m.acceptInbound(ctx, inv)
		case err, ok := <-m.signaling.Disconnects():
			if !ok {
				return
			}
			m.handleDisconnect(ctx, err)
		}
	}
}

// RegisterEndpoint registers the agent endpoint once. Without audio
// permission nothing is registered and the attempt is repeated when
// permission is granted. While a reconnect is scheduled it is a no-op.
func (m *Manager) RegisterEndpoint(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.registered || m.registering || m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.creds = &creds
	if !m.permission {
		m.mu.Unlock()
		m.logger.Info().Msg("registration deferred until audio permission is granted")
		return apperr.New(apperr.CallSetup, "register endpoint", ErrNoPermission)
	}
	m.registering = true
	m.shouldReconnect = true
	m.mu.Unlock()

	return m.register(ctx, creds)
}

func (m *Manager) register(ctx context.Context, creds Credentials) error {
	m.setConnState(types.ConnConnecting, nil)

	err := m.signaling.Connect(ctx, creds)

	m.mu.Lock()
	m.registering = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("registration failed")
		m.handleDisconnect(ctx, err)
		return apperr.New(apperr.Transport, "register endpoint", err)
	}
	m.registered = true
	m.mu.Unlock()

	m.counter.Reset()
	m.setConnState(types.ConnRegistered, nil)
	m.logger.Info().Str("user", creds.Username).Msg("endpoint registered")
	return nil
}

// SetPermission records the audio permission result and performs a
// registration deferred for lack of it
func (m *Manager) SetPermission(ctx context.Context, granted bool) error {
	m.mu.Lock()
	m.permission = granted
	creds := m.creds
	pending := granted && creds != nil && !m.registered && !m.registering && !m.reconnecting
	m.mu.Unlock()

	if !pending {
		return nil
	}
	return m.RegisterEndpoint(ctx, *creds)
}

// SetInputDevice selects the capture device for new calls
func (m *Manager) SetInputDevice(deviceID string) {
	m.mu.Lock()
	m.inputDevice = deviceID
	m.mu.Unlock()
}

// PlaceCall starts an outbound call to number. Answer is awaited in the
// background; progress arrives on Events.
func (m *Manager) PlaceCall(ctx context.Context, number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return apperr.New(apperr.CallSetup, "place call", errors.New("empty number"))
	}

	m.mu.Lock()
	switch {
	case !m.registered:
		m.mu.Unlock()
		return apperr.New(apperr.CallSetup, "place call", ErrNotRegistered)
	case !m.permission:
		m.mu.Unlock()
		return apperr.New(apperr.CallSetup, "place call", ErrNoPermission)
	case m.call.State != types.CallIdle:
		m.mu.Unlock()
		return apperr.New(apperr.CallSetup, "place call", ErrCallActive)
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	m.call = types.CallSession{
		SessionID:          uuid.NewString(),
		Direction:          types.DirectionOutbound,
		CounterpartyNumber: number,
		State:              types.CallRingingOut,
		StartedAt:          m.clock.Now(),
	}
	m.cancelSetup = cancel
	call := m.call
	device := m.inputDevice
	m.mu.Unlock()

	m.metrics.RecordCall(types.DirectionOutbound)
	m.logger.Info().Str("session_id", call.SessionID).Str("number", number).Msg("placing call")
	m.emit(Event{Kind: EventOutbound, Call: call})
	m.emit(Event{Kind: EventState, Call: call})
	m.tones.StartRingback()

	track, err := m.source.Open(ctx, device)
	if err != nil {
		cancel()
		m.tones.StopRingback()
		setupErr := apperr.New(apperr.CallSetup, "acquire microphone", err)
		m.failSetup(call.SessionID, setupErr)
		return setupErr
	}

	go m.dial(dialCtx, call.SessionID, number, track)
	return nil
}

func (m *Manager) dial(ctx context.Context, sessionID, number string, track media.Track) {
	session, err := m.signaling.Dial(ctx, m.Target(number), track, func() {
		m.transition(sessionID, types.CallEstablishing)
	})
	if err != nil {
		track.Stop()
		m.tones.StopRingback()
		if ctx.Err() != nil {
			m.logger.Info().Str("session_id", sessionID).Msg("outbound call cancelled")
			m.terminate(sessionID)
			return
		}
		m.failSetup(sessionID, apperr.New(apperr.CallSetup, "dial", err))
		return
	}

	if !m.attach(sessionID, session, track) {
		return
	}
	m.tones.StopRingback()
	m.establish(sessionID)
	go m.watch(sessionID, session)
}

// acceptInbound handles a new invite: it rings, hydrates and auto-answers
func (m *Manager) acceptInbound(ctx context.Context, inv Invite) {
	m.mu.Lock()
	if m.call.State != types.CallIdle {
		m.mu.Unlock()
		m.logger.Warn().Str("caller", inv.Caller()).Msg("rejecting invite while a call is active")
		if err := inv.Reject(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("reject failed")
		}
		return
	}

	answerCtx, cancel := context.WithCancel(ctx)
	m.call = types.CallSession{
		SessionID:          uuid.NewString(),
		CallID:             inv.Header(HeaderCallUUID),
		Direction:          types.DirectionInbound,
		QueueName:          inv.Header(HeaderQueueName),
		CounterpartyNumber: inv.Caller(),
		State:              types.CallRingingIn,
		StartedAt:          m.clock.Now(),
	}
	m.invite = inv
	m.cancelSetup = cancel
	call := m.call
	device := m.inputDevice
	m.mu.Unlock()

	logger := m.logger.With().Str("session_id", call.SessionID).Str("call_id", call.CallID).Logger()
	logger.Info().
		Str("queue", call.QueueName).
		Str("caller", call.CounterpartyNumber).
		Msg("incoming call")

	m.metrics.RecordCall(types.DirectionInbound)
	m.emit(Event{Kind: EventIncoming, Call: call})
	m.emit(Event{Kind: EventState, Call: call})
	m.tones.StartAlert()

	go func() {
		select {
		case <-inv.Cancelled():
			cancel()
		case <-answerCtx.Done():
		}
	}()

	track, err := m.source.Open(answerCtx, device)
	if err != nil {
		cancel()
		m.tones.StopAlert()
		if rerr := inv.Reject(ctx); rerr != nil {
			logger.Debug().Err(rerr).Msg("reject failed")
		}
		m.failSetup(call.SessionID, apperr.New(apperr.CallSetup, "acquire microphone", err))
		return
	}

	if !m.transition(call.SessionID, types.CallEstablishing) {
		track.Stop()
		cancel()
		m.terminate(call.SessionID)
		return
	}

	session, err := inv.Answer(answerCtx, track)
	if err != nil {
		track.Stop()
		m.tones.StopAlert()
		cancel()
		select {
		case <-inv.Cancelled():
			logger.Info().Msg("caller cancelled before answer")
			m.terminate(call.SessionID)
		default:
			if answerCtx.Err() != nil {
				m.terminate(call.SessionID)
				return
			}
			m.failSetup(call.SessionID, apperr.New(apperr.CallSetup, "answer", err))
		}
		return
	}

	if !m.attach(call.SessionID, session, track) {
		cancel()
		return
	}
	m.tones.StopAlert()
	m.tones.PlayAnswered()
	m.establish(call.SessionID)
	go m.watch(call.SessionID, session)
}

// attach binds an answered session to the call. It returns false and hangs
// the session up if the call was abandoned meanwhile.
func (m *Manager) attach(sessionID string, session Session, track media.Track) bool {
	m.mu.Lock()
	current := m.call.SessionID == sessionID && m.call.State != types.CallTerminating
	if current {
		m.session = session
		m.track = track
		track.SetEnabled(!m.call.Muted)
	}
	m.mu.Unlock()

	if !current {
		m.logger.Info().Str("session_id", sessionID).Msg("call abandoned during setup, hanging up")
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		session.Hangup(ctx)
		track.Stop()
		m.terminate(sessionID)
	}
	return current
}

func (m *Manager) watch(sessionID string, session Session) {
	<-session.Done()
	m.terminate(sessionID)
}

func (m *Manager) transition(sessionID string, state types.LifecycleState) bool {
	m.mu.Lock()
	if m.call.SessionID != sessionID || m.call.State == types.CallTerminating {
		m.mu.Unlock()
		return false
	}
	if m.call.State == state {
		m.mu.Unlock()
		return true
	}
	m.call.State = state
	call := m.call
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, Call: call})
	return true
}

func (m *Manager) establish(sessionID string) {
	m.mu.Lock()
	if m.call.SessionID != sessionID {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.call.State = types.CallEstablished
	m.call.WasEstablished = true
	m.call.EstablishedAt = &now
	m.cancelSetup = nil
	m.invite = nil
	call := m.call
	m.mu.Unlock()

	m.metrics.RecordEstablished()
	m.logger.Info().Str("session_id", sessionID).Str("call_id", call.CallID).Msg("call established")
	m.emit(Event{Kind: EventState, Call: call})
}

// terminate runs terminal cleanup. The terminated snapshot is delivered with
// EventTerminated; the manager itself returns to Idle either way.
func (m *Manager) terminate(sessionID string) {
	m.mu.Lock()
	if m.call.SessionID != sessionID {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.call.State = types.CallTerminated
	m.call.EndedAt = &now
	ended := m.call

	if m.track != nil {
		m.track.Stop()
	}
	if m.cancelSetup != nil {
		m.cancelSetup()
	}
	m.track = nil
	m.session = nil
	m.invite = nil
	m.cancelSetup = nil
	m.call = types.CallSession{State: types.CallIdle}
	m.mu.Unlock()

	m.tones.StopRingback()
	m.tones.StopAlert()

	m.logger.Info().
		Str("session_id", sessionID).
		Str("call_id", ended.CallID).
		Bool("was_established", ended.WasEstablished).
		Msg("call terminated")

	m.emit(Event{Kind: EventTerminated, Call: ended})
	m.emit(Event{Kind: EventState, Call: types.CallSession{State: types.CallIdle}})
}

func (m *Manager) failSetup(sessionID string, err error) {
	m.metrics.RecordCallSetupFailure()
	m.logger.Error().Err(err).Str("session_id", sessionID).Msg("call setup failed")
	m.terminate(sessionID)
	m.emit(Event{Kind: EventSetupFailed, Err: err})
}

// Hangup tears the call down with the action its state calls for: cancel
// for an unanswered outbound call, reject for a ringing inbound call, bye
// once established. It is a no-op without an active call.
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if !call.Active() {
		m.mu.Unlock()
		return nil
	}

	switch call.State {
	case types.CallRingingOut, types.CallEstablishing, types.CallRingingIn:
		if m.session != nil {
			// answered, establish pending
			break
		}
		cancel := m.cancelSetup
		inv := m.invite
		m.call.State = types.CallTerminating
		m.mu.Unlock()

		m.emit(Event{Kind: EventState, Call: m.Call()})
		if inv != nil {
			m.logger.Info().Str("session_id", call.SessionID).Msg("rejecting inbound call")
			if err := inv.Reject(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("reject failed")
			}
		} else {
			m.logger.Info().Str("session_id", call.SessionID).Msg("cancelling outbound call")
		}
		if cancel != nil {
			cancel()
		}
		return nil

	case types.CallTerminating, types.CallTerminated:
		m.mu.Unlock()
		return nil
	}

	session := m.session
	m.call.State = types.CallTerminating
	m.mu.Unlock()

	if session == nil {
		return nil
	}

	m.emit(Event{Kind: EventState, Call: m.Call()})
	m.logger.Info().Str("session_id", call.SessionID).Msg("sending bye")
	if err := session.Hangup(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("bye failed")
		m.terminate(call.SessionID)
		return apperr.New(apperr.Transport, "hangup", err)
	}
	return nil
}

// ToggleMute flips the outgoing track on or off
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	if m.track == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	m.call.Muted = !m.call.Muted
	m.track.SetEnabled(!m.call.Muted)
	call := m.call
	m.mu.Unlock()

	m.logger.Info().Bool("muted", call.Muted).Msg("mute toggled")
	m.emit(Event{Kind: EventState, Call: call})
	return call.Muted, nil
}

// ToggleHold renegotiates the media direction. A failure leaves the call
// state unchanged.
func (m *Manager) ToggleHold(ctx context.Context) (bool, error) {
	m.mu.Lock()
	session := m.session
	hold := !m.call.Held
	sessionID := m.call.SessionID
	m.mu.Unlock()

	if session == nil {
		return false, ErrNoActiveCall
	}

	if err := session.Hold(ctx, hold); err != nil {
		m.logger.Warn().Err(err).Bool("hold", hold).Msg("hold toggle failed")
		return !hold, apperr.New(apperr.Transport, "toggle hold", err)
	}

	m.mu.Lock()
	if m.call.SessionID != sessionID {
		m.mu.Unlock()
		return hold, nil
	}
	m.call.Held = hold
	call := m.call
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, Call: call})
	return hold, nil
}

// SendDigits sends a DTMF tone. Outside Established it is ignored.
func (m *Manager) SendDigits(tone rune) error {
	if !strings.ContainsRune(DTMFTones, tone) {
		return fmt.Errorf("%q: %w", tone, ErrInvalidTone)
	}

	m.mu.Lock()
	session := m.session
	established := m.call.State == types.CallEstablished
	m.mu.Unlock()

	if !established || session == nil {
		return nil
	}
	return session.SendDTMF(tone)
}

// ReplaceTrack swaps the outgoing track of the live call. The old track is
// stopped only after the sender accepted the new one.
func (m *Manager) ReplaceTrack(ctx context.Context, track media.Track) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNoActiveCall
	}

	if err := session.ReplaceTrack(ctx, track); err != nil {
		return apperr.New(apperr.Device, "replace track", err)
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		track.Stop()
		return ErrNoActiveCall
	}
	old := m.track
	m.track = track
	track.SetEnabled(!m.call.Muted)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return nil
}

// SetSink retargets remote audio of the live call
func (m *Manager) SetSink(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNoActiveCall
	}
	if err := session.SetSinkID(ctx, deviceID); err != nil {
		return apperr.New(apperr.Device, "set sink", err)
	}
	return nil
}

// HasLiveMedia reports whether a call currently owns a capture track
func (m *Manager) HasLiveMedia() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// handleDisconnect schedules a reconnect unless one is already pending
func (m *Manager) handleDisconnect(ctx context.Context, cause error) {
	m.mu.Lock()
	m.registered = false
	if !m.shouldReconnect || m.creds == nil {
		m.mu.Unlock()
		m.setConnState(types.ConnDisconnected, cause)
		return
	}
	if m.reconnecting {
		m.mu.Unlock()
		m.logger.Debug().Msg("reconnect already scheduled")
		return
	}
	m.reconnecting = true
	refresh := m.call.State == types.CallEstablished
	attempt := m.counter.Attempt()
	delay := m.counter.Fail()
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.reconnect(ctx, refresh)
	})
	m.mu.Unlock()

	m.metrics.RecordSignalingReconnect()
	m.setConnState(types.ConnDisconnected, cause)
	m.logger.Warn().
		Err(cause).
		Int("attempt", attempt+1).
		Dur("retry_in", delay).
		Msg("signaling transport down, reconnect scheduled")
}

func (m *Manager) reconnect(ctx context.Context, refresh bool) {
	m.mu.Lock()
	if !m.shouldReconnect || m.creds == nil {
		m.reconnecting = false
		m.mu.Unlock()
		return
	}
	creds := *m.creds
	m.mu.Unlock()

	m.setConnState(types.ConnConnecting, nil)
	err := m.signaling.Connect(ctx, creds)

	m.mu.Lock()
	m.reconnecting = false
	if err != nil {
		m.mu.Unlock()
		m.handleDisconnect(ctx, err)
		return
	}
	if !m.shouldReconnect {
		m.mu.Unlock()
		m.logger.Info().Msg("stopped during reconnect, closing transport")
		if cerr := m.signaling.Close(ctx); cerr != nil {
			m.logger.Debug().Err(cerr).Msg("close after stop failed")
		}
		return
	}
	m.registered = true
	var session Session
	if refresh && m.call.State == types.CallEstablished {
		session = m.session
	}
	m.mu.Unlock()

	m.counter.Reset()
	m.setConnState(types.ConnRegistered, nil)
	m.logger.Info().Msg("signaling transport reconnected")

	if session != nil {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		if err := session.Refresh(rctx); err != nil {
			m.metrics.RecordSignalingRefreshFailure()
			m.logger.Warn().Err(err).Msg("session refresh failed, keeping call")
		}
	}
}

// Stop unregisters and disables reconnects
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.shouldReconnect = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnecting = false
	m.registered = false
	m.creds = nil
	m.mu.Unlock()

	err := m.signaling.Close(ctx)
	m.stopOnce.Do(func() { close(m.stopped) })
	m.setConnState(types.ConnDisconnected, nil)
	return err
}

func (m *Manager) setConnState(state types.ConnState, err error) {
	m.mu.Lock()
	m.connState = state
	if err != nil {
		m.lastErr = err.Error()
	} else if state == types.ConnRegistered {
		m.lastErr = ""
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventConnection, Connection: m.Connection()})
}

// emit blocks until the event is consumed or the manager is stopped
func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
		return
	default:
	}
	select {
	case m.events <- e:
	case <-m.stopped:
		m.logger.Debug().Str("kind", string(e.Kind)).Msg("manager stopped, event discarded")
	}
}

// Connection returns a snapshot of the signaling transport
func (m *Manager) Connection() types.TransportConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.TransportConnection{
		Name:             "signaling",
		State:            m.connState,
		ReconnectAttempt: m.counter.Attempt(),
		ShouldReconnect:  m.shouldReconnect,
		Reconnecting:     m.reconnecting,
		LastError:        m.lastErr,
	}
}

// Call returns a snapshot of the active call
func (m *Manager) Call() types.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call
}

// Registered reports whether the endpoint is registered
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// PermissionGranted reports the last audio permission result
func (m *Manager) PermissionGranted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}
