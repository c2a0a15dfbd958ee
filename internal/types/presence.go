package types

import "time"

// AgentStatus is the agent's availability as tracked by the PBX.
// Queues may define custom values beyond the constants below.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "Idle"
	StatusOnBreak   AgentStatus = "On Break"
	StatusWrapUp    AgentStatus = "Wrap Up"
	StatusLoggedOut AgentStatus = "Logged Out"
	StatusCallback  AgentStatus = "Callback"
)

// AgentPresence is the last server-confirmed presence snapshot
type AgentPresence struct {
	Status           AgentStatus `json:"status"`
	LastStatusChange int64       `json:"last_status_change"` // epoch seconds
	WrapUpTime       int64       `json:"wrap_up_time"`       // seconds
}

// Elapsed returns whole seconds spent in the current status at now
func (p AgentPresence) Elapsed(now time.Time) int64 {
	ms := now.UnixMilli() - p.LastStatusChange*1000
	if ms < 0 {
		return (ms - 999) / 1000
	}
	return ms / 1000
}

// ChangedAt returns the status change time
func (p AgentPresence) ChangedAt() time.Time {
	return time.Unix(p.LastStatusChange, 0)
}
