package types

import (
	"encoding/json"
	"fmt"
)

// Customer is a backend customer record. The schema belongs to the backend,
// so the record is kept as a generic object.
type Customer map[string]any

// ID returns the customer_id attribute as a string
func (c Customer) ID() string {
	v, ok := c["customer_id"]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// Clone returns a shallow copy
func (c Customer) Clone() Customer {
	if c == nil {
		return nil
	}
	out := make(Customer, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ContextField names one independently hydrated piece of CallContext
type ContextField string

const (
	FieldProducts ContextField = "products"
	FieldScript   ContextField = "script"
	FieldCampaign ContextField = "campaign"
	FieldCustomer ContextField = "customer"
)

// CallContext is the business context hydrated for the active call
type CallContext struct {
	SessionID        string                  `json:"sessionId"`
	Customer         Customer                `json:"customerRecord,omitempty"`
	Candidates       []Customer              `json:"candidates,omitempty"`
	ScriptSlides     []Slide                 `json:"scriptSlides,omitempty"`
	ProductOfferings json.RawMessage         `json:"productOfferings,omitempty"`
	CampaignSettings json.RawMessage         `json:"campaignSettings,omitempty"`
	Errors           map[ContextField]string `json:"errors,omitempty"`
}
