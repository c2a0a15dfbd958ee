package telephony

import (
	"context"
	"errors"
	"sync"

	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	device  string
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) DeviceID() string { return t.device }
func (t *fakeTrack) SetEnabled(e bool) {
	t.mu.Lock()
	t.enabled = e
	t.mu.Unlock()
}
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}
func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeSource struct {
	mu      sync.Mutex
	openErr error
	opened  []*fakeTrack
}

func (s *fakeSource) Enumerate(ctx context.Context) ([]types.AudioDevice, error) {
	return nil, nil
}

func (s *fakeSource) Open(ctx context.Context, deviceID string) (media.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	t := &fakeTrack{id: deviceID + "-track", device: deviceID, enabled: true}
	s.opened = append(s.opened, t)
	return t, nil
}

func (s *fakeSource) last() *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

type fakeSession struct {
	mu         sync.Mutex
	done       chan struct{}
	once       sync.Once
	hangups    int
	holds      []bool
	holdErr    error
	refreshes  int
	refreshErr error
	dtmf       []rune
	replaced   []media.Track
	replaceErr error
	sink       string
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) end() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSession) Hangup(ctx context.Context) error {
	s.mu.Lock()
	s.hangups++
	s.mu.Unlock()
	s.end()
	return nil
}

func (s *fakeSession) Hold(ctx context.Context, hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdErr != nil {
		return s.holdErr
	}
	s.holds = append(s.holds, hold)
	return nil
}

func (s *fakeSession) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.refreshErr
}

func (s *fakeSession) SendDTMF(tone rune) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmf = append(s.dtmf, tone)
	return nil
}

func (s *fakeSession) ReplaceTrack(ctx context.Context, track media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSession) SetSinkID(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = deviceID
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) counts() (hangups, refreshes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangups, s.refreshes
}

type fakeInvite struct {
	caller    string
	headers   map[string]string
	cancelled chan struct{}
	answer    func(ctx context.Context) (Session, error)

	mu       sync.Mutex
	rejected int
}

func newFakeInvite(caller string, headers map[string]string, answer func(ctx context.Context) (Session, error)) *fakeInvite {
	return &fakeInvite{caller: caller, headers: headers, cancelled: make(chan struct{}), answer: answer}
}

func (i *fakeInvite) Caller() string             { return i.caller }
func (i *fakeInvite) Header(name string) string  { return i.headers[name] }
func (i *fakeInvite) Cancelled() <-chan struct{} { return i.cancelled }

func (i *fakeInvite) Answer(ctx context.Context, track media.Track) (Session, error) {
	return i.answer(ctx)
}

func (i *fakeInvite) Reject(ctx context.Context) error {
	i.mu.Lock()
	i.rejected++
	i.mu.Unlock()
	return nil
}

func (i *fakeInvite) rejects() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rejected
}

type fakeSignaling struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	closed      bool
	dialed      []string
	dial        func(ctx context.Context, onProgress func()) (Session, error)
	connectGate chan struct{}

	incoming    chan Invite
	disconnects chan error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{incoming: make(chan Invite, 4), disconnects: make(chan error, 4)}
}

func (s *fakeSignaling) Connect(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	gate := s.connectGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSignaling) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) Dial(ctx context.Context, target string, track media.Track, onProgress func()) (Session, error) {
	s.mu.Lock()
	s.dialed = append(s.dialed, target)
	dial := s.dial
	s.mu.Unlock()
	if dial == nil {
		return nil, errors.New("no dial behaviour")
	}
	return dial(ctx, onProgress)
}

func (s *fakeSignaling) Incoming() <-chan Invite   { return s.incoming }
func (s *fakeSignaling) Disconnects() <-chan error { return s.disconnects }

func (s *fakeSignaling) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type fakeTones struct {
	mu      sync.Mutex
	playing map[string]bool
	played  map[string]int
}

func newFakeTones() *fakeTones {
	return &fakeTones{playing: map[string]bool{}, played: map[string]int{}}
}

func (t *fakeTones) set(name string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.played[name]++
	}
	t.playing[name] = on
}

func (t *fakeTones) StartRingback() { t.set("ringback", true) }
func (t *fakeTones) StopRingback()  { t.set("ringback", false) }
func (t *fakeTones) StartAlert()    { t.set("alert", true) }
func (t *fakeTones) StopAlert()     { t.set("alert", false) }
func (t *fakeTones) PlayAnswered()  { t.set("answered", true) }

func (t *fakeTones) isPlaying(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing[name]
}

func (t *fakeTones) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.played[name]
}
