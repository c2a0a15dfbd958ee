// Package disposition enforces the post-call disposition workflow and the
// wrap-up countdown.
package disposition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// NoDisposition is submitted when wrap-up expires without an outcome
const NoDisposition = "nd"

const tickInterval = time.Second

var (
	ErrMissingCode      = errors.New("missing call disposition")
	ErrNothingPending   = errors.New("no call awaiting disposition")
	ErrNoCallbackTarget = errors.New("call has no number to call back")
)

// Submitter posts dispositions to the backend
type Submitter interface {
	SubmitDisposition(ctx context.Context, callID, disposition string) error
	SubmitOutboundDisposition(ctx context.Context, agentID, disposition string) error
}

// StatusUpdater requests presence changes over the control channel
type StatusUpdater interface {
	UpdateStatus(status types.AgentStatus) error
}

// Dialer places the callback call
type Dialer interface {
	PlaceCall(ctx context.Context, number string) error
}

// PresenceFunc returns the last confirmed presence
type PresenceFunc func() (types.AgentPresence, bool)

// Cleared describes a session leaving the governor
type Cleared struct {
	Call     types.CallSession
	Code     string
	Callback bool
	Auto     bool
}

// LogoutBlockedError lists what prevents a logout
type LogoutBlockedError struct {
	Reasons []string
}

func (e *LogoutBlockedError) Error() string {
	return "logout blocked: " + strings.Join(e.Reasons, ", ")
}

const (
	ReasonMustDisposition = "call requires disposition"
	ReasonCallActive      = "call in progress"
)

// Options configures a Governor
type Options struct {
	AgentID string
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// Governor holds a terminated, established call until it is dispositioned
type Governor struct {
	submitter Submitter
	status    StatusUpdater
	dialer    Dialer
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// serializes backend submissions
	submitMu sync.Mutex

	mu              sync.Mutex
	agentID         string
	mustDisposition bool
	held            types.CallSession
	autoEpisode     int64 // last_status_change of the wrap-up already auto-dispositioned
	beforeSubmit    func(ctx context.Context) error
	onCleared       func(Cleared)
}

// NewGovernor creates a governor
func NewGovernor(submitter Submitter, status StatusUpdater, dialer Dialer, opts Options, logger zerolog.Logger) *Governor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Governor{
		submitter: submitter,
		status:    status,
		dialer:    dialer,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		agentID:   opts.AgentID,
		logger:    logger.With().Str("component", "disposition").Logger(),
	}
}

// SetAgentID sets the identity used for outbound dispositions
func (g *Governor) SetAgentID(id string) {
	g.mu.Lock()
	g.agentID = id
	g.mu.Unlock()
}

// BeforeSubmit registers a hook run before every submission. A hook error
// is logged and does not block the disposition.
func (g *Governor) BeforeSubmit(f func(ctx context.Context) error) {
	g.mu.Lock()
	g.beforeSubmit = f
	g.mu.Unlock()
}

// OnCleared registers the callback invoked when a held call is released
func (g *Governor) OnCleared(f func(Cleared)) {
	g.mu.Lock()
	g.onCleared = f
	g.mu.Unlock()
}

// Hold takes a terminated call. It returns false when the call never
// connected and needs no disposition.
func (g *Governor) Hold(call types.CallSession) bool {
	if !call.WasEstablished {
		return false
	}
	g.mu.Lock()
	g.mustDisposition = true
	g.held = call
	g.mu.Unlock()

	g.logger.Info().
		Str("session_id", call.SessionID).
		Str("call_id", call.CallID).
		Msg("call awaiting disposition")
	return true
}

// MustDisposition reports whether a call awaits disposition
func (g *Governor) MustDisposition() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mustDisposition
}

// Held returns the call awaiting disposition
func (g *Governor) Held() (types.CallSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held, g.mustDisposition
}

// CanLogout returns a *LogoutBlockedError naming every blocking condition
func (g *Governor) CanLogout(callState types.LifecycleState) error {
	g.mu.Lock()
	must := g.mustDisposition
	g.mu.Unlock()

	var reasons []string
	if must {
		reasons = append(reasons, ReasonMustDisposition)
	}
	if callState != "" && callState != types.CallIdle {
		reasons = append(reasons, ReasonCallActive)
	}
	if len(reasons) > 0 {
		return &LogoutBlockedError{Reasons: reasons}
	}
	return nil
}

// Submit records the outcome of the held call. On failure the call stays
// held for a retry.
func (g *Governor) Submit(ctx context.Context, code string) error {
	return g.submit(ctx, code, false)
}

func (g *Governor) submit(ctx context.Context, code string, auto bool) error {
	if code == "" {
		return apperr.New(apperr.Disposition, "submit disposition", ErrMissingCode)
	}

	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	g.mu.Lock()
	call, must, agentID, hook := g.held, g.mustDisposition, g.agentID, g.beforeSubmit
	g.mu.Unlock()
	if !must {
		return apperr.New(apperr.Disposition, "submit disposition", ErrNothingPending)
	}

	if hook != nil {
		if err := hook(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("pre-disposition hook failed")
		}
	}

	if err := g.post(ctx, call, agentID, code); err != nil {
		g.metrics.RecordDisposition("failed")
		g.logger.Error().Err(err).Str("session_id", call.SessionID).Str("code", code).Msg("disposition failed")
		return apperr.New(apperr.Disposition, "submit disposition", err)
	}

	kind := "manual"
	if auto {
		kind = "auto"
	}
	g.metrics.RecordDisposition(kind)
	g.logger.Info().Str("session_id", call.SessionID).Str("code", code).Bool("auto", auto).Msg("call dispositioned")
	g.release(Cleared{Call: call, Code: code, Auto: auto})
	return nil
}

// post routes the disposition by the call's identifying key. A call with
// neither key is released without a request.
func (g *Governor) post(ctx context.Context, call types.CallSession, agentID, code string) error {
	switch {
	case call.CallID != "":
		return g.submitter.SubmitDisposition(ctx, call.CallID, code)
	case call.Outbound():
		if agentID == "" {
			return fmt.Errorf("outbound disposition: no agent id")
		}
		return g.submitter.SubmitOutboundDisposition(ctx, agentID, code)
	default:
		return nil
	}
}

func (g *Governor) release(c Cleared) {
	g.mu.Lock()
	if g.held.SessionID != c.Call.SessionID {
		g.mu.Unlock()
		return
	}
	g.mustDisposition = false
	g.held = types.CallSession{}
	onCleared := g.onCleared
	g.mu.Unlock()

	if onCleared != nil {
		onCleared(c)
	}
}

// SubmitCallback dispositions an inbound call and immediately dials the
// caller back with presence "Callback". A disposition failure is returned
// before anything is dialed.
func (g *Governor) SubmitCallback(ctx context.Context, code string) error {
	if code == "" {
		return apperr.New(apperr.Disposition, "submit callback", ErrMissingCode)
	}

	call, err := g.submitCallback(ctx, code)
	if err != nil || call.CallID == "" {
		return err
	}

	if err := g.dialer.PlaceCall(ctx, call.CounterpartyNumber); err != nil {
		g.logger.Error().Err(err).Str("number", call.CounterpartyNumber).Msg("callback dial failed")
		return err
	}
	if err := g.status.UpdateStatus(types.StatusCallback); err != nil {
		g.logger.Warn().Err(err).Msg("failed to set callback status")
	}
	return nil
}

// submitCallback records the callback disposition under the submission
// lock and returns the released call
func (g *Governor) submitCallback(ctx context.Context, code string) (types.CallSession, error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	g.mu.Lock()
	call, must, hook := g.held, g.mustDisposition, g.beforeSubmit
	g.mu.Unlock()
	if !must {
		return call, apperr.New(apperr.Disposition, "submit callback", ErrNothingPending)
	}

	if call.CallID == "" {
		// nothing to record against: release without dialing
		g.release(Cleared{Call: call, Code: code})
		return call, nil
	}
	if call.CounterpartyNumber == "" {
		return call, apperr.New(apperr.Disposition, "submit callback", ErrNoCallbackTarget)
	}

	if hook != nil {
		if err := hook(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("pre-disposition hook failed")
		}
	}

	if err := g.submitter.SubmitDisposition(ctx, call.CallID, code); err != nil {
		g.metrics.RecordDisposition("failed")
		g.logger.Error().Err(err).Str("session_id", call.SessionID).Msg("callback disposition failed")
		return call, apperr.New(apperr.Disposition, "submit callback", err)
	}

	g.metrics.RecordDisposition("callback")
	g.release(Cleared{Call: call, Code: code, Callback: true})
	return call, nil
}

// Run evaluates the wrap-up countdown every second until ctx ends
func (g *Governor) Run(ctx context.Context, presence PresenceFunc) {
	ticker := g.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p, ok := presence()
			if !ok {
				continue
			}
			g.Tick(ctx, p)
		}
	}
}

// Tick auto-dispositions once wrap-up time has run out. It fires at most
// once per wrap-up episode and reports whether it did.
func (g *Governor) Tick(ctx context.Context, p types.AgentPresence) bool {
	if p.Status != types.StatusWrapUp {
		return false
	}
	if p.Elapsed(g.clock.Now()) < p.WrapUpTime {
		return false
	}

	g.mu.Lock()
	if g.autoEpisode == p.LastStatusChange {
		g.mu.Unlock()
		return false
	}
	g.autoEpisode = p.LastStatusChange
	must := g.mustDisposition
	g.mu.Unlock()

	g.logger.Info().Int64("wrap_up_time", p.WrapUpTime).Bool("must_disposition", must).Msg("wrap-up expired")

	if must {
		if err := g.submit(ctx, NoDisposition, true); err != nil {
			g.logger.Warn().Err(err).Msg("auto disposition failed")
		}
	}
	if err := g.status.UpdateStatus(types.StatusIdle); err != nil {
		g.logger.Warn().Err(err).Msg("failed to return to idle after wrap-up")
	}
	return true
}

// Countdown returns the seconds shown for the current status: counting up
// to zero from minus the wrap-up budget in Wrap Up, time in status otherwise
func (g *Governor) Countdown(p types.AgentPresence) int64 {
	elapsed := p.Elapsed(g.clock.Now())
	if p.Status == types.StatusWrapUp {
		return min(0, elapsed-p.WrapUpTime)
	}
	return max(0, elapsed)
}

// FormatElapsed renders seconds as (mm:ss), with a leading minus when negative
func FormatElapsed(seconds int64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("(%s%02d:%02d)", sign, seconds/60, seconds%60)
}
