package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

type fetchForRequest struct {
	FetchFor string `json:"fetchFor"`
}

type numberRequest struct {
	Number string `json:"number"`
}

// FetchAgentConfig loads the agent profile for a signed-in user
func (c *Client) FetchAgentConfig(ctx context.Context, userID string) (types.AgentProfile, error) {
	var profile types.AgentProfile
	err := c.Post(ctx, "/agent/fetchconfig", map[string]string{"userId": userID}, &profile)
	return profile, err
}

// FetchProductConfig returns the product offerings
func (c *Client) FetchProductConfig(ctx context.Context) (json.RawMessage, error) {
	var data json.RawMessage
	err := c.Post(ctx, "/config", nil, &data)
	return data, err
}

// FetchScript returns the script slides for a queue
func (c *Client) FetchScript(ctx context.Context, queue string) ([]types.Slide, error) {
	var data struct {
		ScriptContent []types.Slide `json:"script_content"`
	}
	if err := c.Post(ctx, "/campaign/fetchscript", fetchForRequest{FetchFor: queue}, &data); err != nil {
		return nil, err
	}
	return data.ScriptContent, nil
}

// FetchCampaignSettings returns the campaign settings for a queue
func (c *Client) FetchCampaignSettings(ctx context.Context, queue string) (json.RawMessage, error) {
	var data json.RawMessage
	err := c.Post(ctx, "/campaign/fetchsettings", fetchForRequest{FetchFor: queue}, &data)
	return data, err
}

// MatchCustomerByPhone returns every customer record matching number
func (c *Client) MatchCustomerByPhone(ctx context.Context, number string) ([]types.Customer, error) {
	var matches []types.Customer
	if err := c.Post(ctx, "/customer/match/byphone", numberRequest{Number: number}, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// CreateCustomer creates a record for a caller with no match
func (c *Client) CreateCustomer(ctx context.Context, number string) (types.Customer, error) {
	var customer types.Customer
	if err := c.Post(ctx, "/customer/create", numberRequest{Number: number}, &customer); err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, fmt.Errorf("POST /customer/create: empty record")
	}
	return customer, nil
}

// LoadCustomer loads a full customer record
func (c *Client) LoadCustomer(ctx context.Context, customerID string) (types.Customer, error) {
	var customer types.Customer
	if err := c.Post(ctx, "/customer/load", map[string]string{"customerId": customerID}, &customer); err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, fmt.Errorf("POST /customer/load: empty record")
	}
	return customer, nil
}

// UpdateCustomer writes the full customer record
func (c *Client) UpdateCustomer(ctx context.Context, customer types.Customer) error {
	return c.Post(ctx, "/customer/update", customer, nil)
}

// SubmitDisposition records the outcome of a PBX-tracked call
func (c *Client) SubmitDisposition(ctx context.Context, callID, disposition string) error {
	return c.Post(ctx, "/call/disposition", map[string]string{
		"callId":      callID,
		"disposition": disposition,
	}, nil)
}

// SubmitOutboundDisposition records the outcome of an agent-placed call
func (c *Client) SubmitOutboundDisposition(ctx context.Context, agentID, disposition string) error {
	return c.Post(ctx, "/call/dispositionoutbound", map[string]string{
		"agentId":     agentID,
		"disposition": disposition,
	}, nil)
}

type billingRequest struct {
	CustomerInformation types.Customer           `json:"customerInformation"`
	PaymentInformation  types.PaymentInformation `json:"paymentInformation"`
}

// VerifyAccount checks a bank account for the customer
func (c *Client) VerifyAccount(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error {
	return c.Post(ctx, "/billing/verifyaccount", billingRequest{customer, payment}, nil)
}

// SubscribeCustomer creates the customer's subscription
func (c *Client) SubscribeCustomer(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error {
	return c.Post(ctx, "/billing/subscribecustomer", billingRequest{customer, payment}, nil)
}
