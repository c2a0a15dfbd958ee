package telephony

import (
	"context"

	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
)

// Inbound metadata headers set by the PBX
const (
	HeaderQueueName = "X-Queue-Name"
	HeaderCallUUID  = "X-Call-UUID"
)

// Credentials authenticate the agent endpoint with the registrar
type Credentials struct {
	Username string
	Password string
}

// Signaling is the call-control transport. Connect blocks until the
// endpoint is registered. A dropped transport is reported once on
// Disconnects.
type Signaling interface {
	Connect(ctx context.Context, creds Credentials) error
	Close(ctx context.Context) error
	// Dial blocks until the callee answers. Cancelling ctx abandons the
	// attempt with a protocol-level cancel. onProgress fires on the first
	// provisional response.
	Dial(ctx context.Context, target string, track media.Track, onProgress func()) (Session, error)
	Incoming() <-chan Invite
	Disconnects() <-chan error
}

// Invite is an unanswered inbound call
type Invite interface {
	Caller() string
	Header(name string) string
	// Answer negotiates media and blocks until the call is up
	Answer(ctx context.Context, track media.Track) (Session, error)
	Reject(ctx context.Context) error
	// Cancelled is closed when the caller abandons before answer
	Cancelled() <-chan struct{}
}

// Session is an established call
type Session interface {
	media.Sender
	media.Sink
	Hangup(ctx context.Context) error
	Hold(ctx context.Context, hold bool) error
	// Refresh re-offers the session after the transport reconnected
	Refresh(ctx context.Context) error
	SendDTMF(tone rune) error
	Done() <-chan struct{}
}
