// Package controlchannel keeps agent presence in sync with the PBX over a
// persistent WebSocket.
package controlchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/auth"
	"github.com/LifeShieldMedicalAlerts/crm/internal/backoff"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// Write timeout
	writeTimeout = 10 * time.Second

	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxAuthRetries    = 3
)

var (
	ErrNotAuthenticated = errors.New("control channel not authenticated")
	ErrNotConnected     = errors.New("control channel not connected")
	ErrAuthExhausted    = errors.New("authentication retries exhausted")
)

// EventKind discriminates control-channel events
type EventKind string

const (
	EventPresence    EventKind = "presence"
	EventConnection  EventKind = "connection"
	EventAuthFailed  EventKind = "auth_failed"
	EventServerError EventKind = "server_error"
)

// Event is delivered on the Events channel in arrival order
type Event struct {
	Kind       EventKind
	Presence   types.AgentPresence
	Connection types.TransportConnection
	Message    string
	Err        error
}

// Options configures a Client
type Options struct {
	URL               string
	AgentID           string
	HeartbeatInterval time.Duration
	MaxAuthRetries    int
	Policy            backoff.Policy
	Clock             clockwork.Clock
	Metrics           *metrics.Metrics
}

// Client manages the control-channel WebSocket for the signed-in agent.
// State "registered" means the channel is authenticated.
type Client struct {
	opts    Options
	tokens  auth.TokenSource
	clock   clockwork.Clock
	dialer  *websocket.Dialer
	counter *backoff.Counter
	events  chan Event
	stop    chan struct{}
	logger  zerolog.Logger

	stopOnce sync.Once

	mu              sync.Mutex
	conn            *websocket.Conn
	running         bool
	state           types.ConnState
	shouldReconnect bool
	reconnecting    bool
	authenticated   bool
	authRetries     int
	presence        *types.AgentPresence
	lastErr         string
}

// NewClient creates a control-channel client. Nothing connects until Run.
func NewClient(opts Options, tokens auth.TokenSource, logger zerolog.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MaxAuthRetries <= 0 {
		opts.MaxAuthRetries = defaultMaxAuthRetries
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.ControlChannel
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Client{
		opts:            opts,
		tokens:          tokens,
		clock:           opts.Clock,
		dialer:          &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		counter:         backoff.NewCounter(opts.Policy),
		events:          make(chan Event, 64),
		stop:            make(chan struct{}),
		logger:          logger.With().Str("component", "control_channel").Str("agent_id", opts.AgentID).Logger(),
		state:           types.ConnDisconnected,
		shouldReconnect: true,
	}
}

// Events returns the channel of presence and connectivity events
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run connects and keeps the channel up until Close or ctx is done
func (c *Client) Run(ctx context.Context) {
	if c.opts.AgentID == "" {
		c.logger.Warn().Msg("no agent identity, control channel not started")
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if !c.ShouldReconnect() {
			return
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.stop:
			return
		default:
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.failAuth(fmt.Errorf("fetch token: %w", err))
			return
		}

		c.setState(types.ConnConnecting, nil)
		conn, err := c.connect(ctx)
		if err != nil {
			c.setState(types.ConnDisconnected, err)
			if !c.wait(ctx) {
				return
			}
			continue
		}

		c.counter.Reset()
		c.opts.Metrics.RecordControlConnect()
		c.setState(types.ConnConnected, nil)
		c.logger.Info().Msg("control channel connected")

		if err := c.sendJSON(types.AuthMsg{Type: types.MsgAuth, Token: token}); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send auth frame")
		}

		c.runLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.authenticated = false
		c.mu.Unlock()
		conn.Close()

		c.opts.Metrics.RecordControlDisconnect()
		c.setState(types.ConnDisconnected, nil)

		if !c.wait(ctx) {
			return
		}
	}
}

// wait sleeps for the next backoff delay. It returns false when the client
// must not reconnect.
func (c *Client) wait(ctx context.Context) bool {
	if !c.ShouldReconnect() {
		return false
	}

	attempt := c.counter.Attempt()
	delay := c.counter.Fail()

	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.opts.Metrics.RecordControlReconnect()
	c.logger.Info().
		Int("attempt", attempt+1).
		Dur("retry_in", delay).
		Msg("control channel reconnect scheduled")

	select {
	case <-ctx.Done():
		c.Close()
		return false
	case <-c.stop:
		return false
	case <-c.clock.After(delay):
		return c.ShouldReconnect()
	}
}

// connect dials the WebSocket
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "dial control channel", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shouldReconnect {
		conn.Close()
		return nil, apperr.New(apperr.Transport, "dial control channel", ErrNotConnected)
	}
	c.conn = conn
	return conn, nil
}

// runLoop sends heartbeats and receives messages until the connection drops
func (c *Client) runLoop(ctx context.Context, conn *websocket.Conn) {
	heartbeat := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				c.logger.Debug().Err(err).Msg("control channel read ended")
				return
			}
			c.handleIncoming(ctx, message)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-readDone:
			return
		case <-heartbeat.Chan():
			c.sendHeartbeat()
		}
	}
}

// handleIncoming processes frames pushed by the PBX
func (c *Client) handleIncoming(ctx context.Context, message []byte) {
	var msg types.ServerMsg
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("unparseable control frame")
		return
	}

	switch msg.Type {
	case types.MsgAuthRequired:
		c.mu.Lock()
		c.authenticated = false
		c.authRetries++
		retries := c.authRetries
		c.mu.Unlock()

		if retries > c.opts.MaxAuthRetries {
			c.failAuth(ErrAuthExhausted)
			return
		}

		token, err := c.tokens.Refresh(ctx)
		if err != nil {
			c.failAuth(fmt.Errorf("refresh token: %w", err))
			return
		}
		c.logger.Debug().Int("retry", retries).Msg("re-sending auth")
		c.sendJSON(types.AuthMsg{Type: types.MsgAuth, Token: token})

	case types.MsgAuthenticated:
		c.mu.Lock()
		c.authenticated = true
		c.authRetries = 0
		c.mu.Unlock()
		c.setState(types.ConnRegistered, nil)
		c.logger.Info().Msg("control channel authenticated")
		c.sendJSON(types.SyncMsg{Type: types.MsgSync, AgentID: c.opts.AgentID})

	case types.MsgSyncResponse:
		presence, ok := c.applyPresence(msg.Data)
		if !ok {
			return
		}
		if presence.Status == types.StatusLoggedOut {
			c.logger.Info().Msg("presence synced as Logged Out, correcting to On Break")
			c.opts.Metrics.RecordPresenceCorrection()
			if err := c.UpdateStatus(types.StatusOnBreak); err != nil {
				c.logger.Warn().Err(err).Msg("failed to correct presence")
			}
		}

	case types.MsgDatabaseUpdate:
		c.applyPresence(msg.Data)

	case types.MsgPong:
		// heartbeat acknowledged

	case types.MsgError:
		c.logger.Warn().Str("message", msg.Message).Msg("control channel error message")
		c.emit(Event{Kind: EventServerError, Message: msg.Message})

	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring control frame")
	}
}

// applyPresence replaces the presence snapshot wholesale
func (c *Client) applyPresence(data json.RawMessage) (types.AgentPresence, bool) {
	var presence types.AgentPresence
	if len(data) > 0 {
		if err := json.Unmarshal(data, &presence); err != nil {
			c.logger.Warn().Err(err).Msg("invalid presence payload")
			return presence, false
		}
	}

	c.mu.Lock()
	c.presence = &presence
	c.mu.Unlock()

	c.opts.Metrics.RecordPresenceUpdate()
	c.logger.Debug().Str("status", string(presence.Status)).Msg("presence updated")
	c.emit(Event{Kind: EventPresence, Presence: presence})
	return presence, true
}

// sendHeartbeat sends a ping while authenticated
func (c *Client) sendHeartbeat() {
	if !c.Authenticated() {
		return
	}
	if err := c.sendJSON(types.PingMsg{Type: types.MsgPing}); err != nil {
		c.logger.Debug().Err(err).Msg("heartbeat failed")
	}
}

// UpdateStatus requests a presence change. The displayed presence only
// changes when the PBX pushes the result.
func (c *Client) UpdateStatus(status types.AgentStatus) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	c.logger.Info().Str("status", string(status)).Msg("requesting status change")
	return c.sendJSON(types.UpdateStatusMsg{Type: types.MsgUpdateStatus, Status: status})
}

// sendJSON writes a frame to the WebSocket
func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("write error")
		return apperr.New(apperr.Transport, "write control frame", err)
	}
	return nil
}

// failAuth closes the channel for good and reports the auth failure
func (c *Client) failAuth(err error) {
	c.logger.Error().Err(err).Msg("control channel authentication failed")
	c.opts.Metrics.RecordControlAuthFailure()

	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()

	c.Close()
	c.emit(Event{Kind: EventAuthFailed, Err: apperr.New(apperr.Auth, "control channel", err)})
}

// Close deliberately closes the channel and disables reconnects
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.conn = nil
	c.authenticated = false
	c.presence = nil
	c.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	c.setState(types.ConnDisconnected, nil)
}

func (c *Client) setState(state types.ConnState, err error) {
	c.mu.Lock()
	c.state = state
	if err != nil {
		c.lastErr = err.Error()
	} else if state == types.ConnConnected || state == types.ConnRegistered {
		c.lastErr = ""
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnection, Connection: c.Connection(), Err: err})
}

// emit blocks until the event is consumed or the client is closed
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
		return
	default:
	}
	select {
	case c.events <- e:
	case <-c.stop:
		c.logger.Debug().Str("kind", string(e.Kind)).Msg("client closed, event discarded")
	}
}

// Connection returns a snapshot of the transport state
func (c *Client) Connection() types.TransportConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.TransportConnection{
		Name:             "control",
		State:            c.state,
		ReconnectAttempt: c.counter.Attempt(),
		ShouldReconnect:  c.shouldReconnect,
		Reconnecting:     c.reconnecting,
		LastError:        c.lastErr,
	}
}

// Presence returns the last server-confirmed presence
func (c *Client) Presence() (types.AgentPresence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		return types.AgentPresence{}, false
	}
	return *c.presence, true
}

// Authenticated reports whether the PBX accepted the token
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// ShouldReconnect is false once the channel was deliberately closed
func (c *Client) ShouldReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}
