package types

import "time"

// Direction of a call relative to the agent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// LifecycleState is the call lifecycle state machine position
type LifecycleState string

const (
	CallIdle         LifecycleState = "idle"
	CallRingingIn    LifecycleState = "ringing_in"
	CallRingingOut   LifecycleState = "ringing_out"
	CallEstablishing LifecycleState = "establishing"
	CallEstablished  LifecycleState = "established"
	CallTerminating  LifecycleState = "terminating"
	CallTerminated   LifecycleState = "terminated"
)

// CallSession is the single active call. SessionID is assigned locally and
// keys stale-result guards; CallID is the PBX-assigned identifier and stays
// empty for outbound calls.
type CallSession struct {
	SessionID          string         `json:"sessionId"`
	CallID             string         `json:"callId,omitempty"`
	Direction          Direction      `json:"direction"`
	QueueName          string         `json:"queueName,omitempty"`
	CounterpartyNumber string         `json:"counterpartyNumber"`
	State              LifecycleState `json:"lifecycleState"`
	WasEstablished     bool           `json:"wasEstablished"`
	Held               bool           `json:"held"`
	Muted              bool           `json:"muted"`
	StartedAt          time.Time      `json:"startedAt"`
	EstablishedAt      *time.Time     `json:"establishedAt,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
}

// Active reports whether a session exists at all (including one that ended
// and awaits disposition)
func (c CallSession) Active() bool {
	return c.SessionID != ""
}

// Outbound reports whether the agent placed the call
func (c CallSession) Outbound() bool {
	return c.Direction == DirectionOutbound
}

// CallRecord is the history entry written when a session is cleared
type CallRecord struct {
	SessionID          string     `json:"sessionId"`
	CallID             string     `json:"callId,omitempty"`
	Direction          Direction  `json:"direction"`
	QueueName          string     `json:"queueName,omitempty"`
	CounterpartyNumber string     `json:"counterpartyNumber"`
	WasEstablished     bool       `json:"wasEstablished"`
	Disposition        string     `json:"disposition,omitempty"`
	StartedAt          time.Time  `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
	ClearedAt          time.Time  `json:"clearedAt"`
}

// RecordFor builds the history entry for a session being cleared
func RecordFor(c CallSession, disposition string, clearedAt time.Time) CallRecord {
	return CallRecord{
		SessionID:          c.SessionID,
		CallID:             c.CallID,
		Direction:          c.Direction,
		QueueName:          c.QueueName,
		CounterpartyNumber: c.CounterpartyNumber,
		WasEstablished:     c.WasEstablished,
		Disposition:        disposition,
		StartedAt:          c.StartedAt,
		EndedAt:            c.EndedAt,
		ClearedAt:          clearedAt,
	}
}
