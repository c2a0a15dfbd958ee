package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/emiago/diago"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// invite wraps an unanswered inbound dialog
type invite struct {
	d        *diago.DialogServerSession
	logger   zerolog.Logger
	rejected chan struct{}
	once     sync.Once
}

func newInvite(d *diago.DialogServerSession, logger zerolog.Logger) *invite {
	return &invite{d: d, logger: logger, rejected: make(chan struct{})}
}

func (i *invite) Caller() string {
	return callerOf(i.d.InviteRequest)
}

func (i *invite) Header(name string) string {
	return headerOf(i.d.InviteRequest, name)
}

func (i *invite) Answer(ctx context.Context, track media.Track) (telephony.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := i.d.Answer(); err != nil {
		return nil, err
	}
	return newSession(i.d, track, i.logger), nil
}

func (i *invite) Reject(ctx context.Context) error {
	var err error
	i.once.Do(func() {
		err = i.d.Respond(486, "Busy Here", nil)
		close(i.rejected)
	})
	return err
}

// Cancelled closes when the caller abandons the dialog
func (i *invite) Cancelled() <-chan struct{} {
	return i.d.Context().Done()
}

func callerOf(req *sipmsg.Request) string {
	if req == nil {
		return ""
	}
	if from := req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

func headerOf(req *sipmsg.Request, name string) string {
	if req == nil {
		return ""
	}
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// dialog is what a live call needs from either side of a diago dialog
type dialog interface {
	Hangup(ctx context.Context) error
	Context() context.Context
	ReInvite(ctx context.Context) error
	AudioWriterDTMF() *diago.DTMFWriter
	AudioWriter() (*diago.AudioWriter, error)
}

const frameInterval = 20 * time.Millisecond

var errSessionEnded = errors.New("session ended")

// session adapts a diago dialog to telephony.Session
type session struct {
	d      dialog
	logger zerolog.Logger

	mu    sync.Mutex
	track media.Track
	held  bool
}

func newSession(d dialog, track media.Track, logger zerolog.Logger) *session {
	s := &session{d: d, track: track, logger: logger}
	go s.pump()
	return s
}

// pump feeds capture audio into the call while the track is readable
func (s *session) pump() {
	w, err := s.d.AudioWriter()
	if err != nil {
		s.logger.Debug().Err(err).Msg("no audio writer for session")
		return
	}
	s.pumpTo(w)
}

func (s *session) pumpTo(w io.Writer) {
	buf := make([]byte, 320)
	for {
		select {
		case <-s.d.Context().Done():
			return
		default:
		}

		s.mu.Lock()
		track, held := s.track, s.held
		s.mu.Unlock()

		r, ok := track.(io.Reader)
		if !ok || held || !track.Enabled() {
			// nothing to send; wait for the dialog to end or a swap
			if !s.idle() {
				return
			}
			continue
		}

		n, err := r.Read(buf)
		if err != nil {
			s.logger.Debug().Err(err).Msg("capture read failed")
			if !s.idle() {
				return
			}
			continue
		}
		if _, err := w.Write(buf[:n]); err != nil {
			s.logger.Debug().Err(err).Msg("audio write ended")
			return
		}
	}
}

// idle waits one frame and reports whether the dialog is still up
func (s *session) idle() bool {
	select {
	case <-s.d.Context().Done():
		return false
	case <-time.After(frameInterval):
		return true
	}
}

func (s *session) Hangup(ctx context.Context) error {
	return s.d.Hangup(ctx)
}

// Hold pauses the outgoing audio and re-offers the session
func (s *session) Hold(ctx context.Context, hold bool) error {
	s.mu.Lock()
	prev := s.held
	s.held = hold
	s.mu.Unlock()

	if err := s.d.ReInvite(ctx); err != nil {
		s.mu.Lock()
		s.held = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *session) Refresh(ctx context.Context) error {
	return s.d.ReInvite(ctx)
}

func (s *session) SendDTMF(tone rune) error {
	if s.d.Context().Err() != nil {
		return errSessionEnded
	}
	return s.d.AudioWriterDTMF().WriteDTMF(tone)
}

func (s *session) ReplaceTrack(ctx context.Context, track media.Track) error {
	if s.d.Context().Err() != nil {
		return errSessionEnded
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

// SetSinkID accepts only the default sink: remote audio is rendered by
// the platform default device
func (s *session) SetSinkID(ctx context.Context, deviceID string) error {
	if s.d.Context().Err() != nil {
		return errSessionEnded
	}
	if deviceID != types.DefaultDeviceID {
		return fmt.Errorf("%w: %s", media.ErrSinkUnsupported, deviceID)
	}
	return nil
}

func (s *session) Done() <-chan struct{} {
	return s.d.Context().Done()
}

var (
	_ telephony.Invite    = (*invite)(nil)
	_ telephony.Session   = (*session)(nil)
	_ telephony.Signaling = (*Adapter)(nil)
)
