package types

import (
	"encoding/json"
	"fmt"
)

// AgentProfile is the agent configuration returned by the backend. Fields
// keeps every attribute for script placeholders.
type AgentProfile struct {
	AgentID     string         `json:"agent_id"`
	SIPPassword string         `json:"sip_password"`
	Name        string         `json:"name"`
	Fields      map[string]any `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the full object
func (a *AgentProfile) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Fields = raw
	a.AgentID = stringField(raw, "agent_id")
	a.SIPPassword = stringField(raw, "sip_password")
	a.Name = stringField(raw, "name")
	return nil
}

// HasCredentials reports whether telephony registration is possible
func (a AgentProfile) HasCredentials() bool {
	return a.AgentID != "" && a.SIPPassword != ""
}

// DisplayName falls back to the agent id
func (a AgentProfile) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AgentID
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
