package types

import "encoding/json"

// MessageType identifies a control-channel frame
type MessageType string

const (
	MsgAuth           MessageType = "auth"
	MsgAuthRequired   MessageType = "auth_required"
	MsgAuthenticated  MessageType = "authenticated"
	MsgSync           MessageType = "sync"
	MsgSyncResponse   MessageType = "sync_response"
	MsgDatabaseUpdate MessageType = "database_update"
	MsgUpdateStatus   MessageType = "update_status"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
	MsgError          MessageType = "error"
)

// AuthMsg is sent by the client on open and on auth_required
type AuthMsg struct {
	Type  MessageType `json:"type"` // "auth"
	Token string      `json:"token"`
}

// SyncMsg requests a full presence snapshot after authentication
type SyncMsg struct {
	Type    MessageType `json:"type"` // "sync"
	AgentID string      `json:"agentId"`
}

// UpdateStatusMsg requests a presence change
type UpdateStatusMsg struct {
	Type   MessageType `json:"type"` // "update_status"
	Status AgentStatus `json:"status"`
}

// PingMsg is the heartbeat frame
type PingMsg struct {
	Type MessageType `json:"type"` // "ping"
}

// ServerMsg is any frame pushed by the PBX
type ServerMsg struct {
	Type    MessageType     `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}
