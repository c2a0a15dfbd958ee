// Package store persists device selection and call history on the agent's
// machine.
package store

import (
	"context"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

// Stable keys for durable desk settings
const (
	KeySelectedInput  = "selectedInputDevice"
	KeySelectedOutput = "selectedOutputDevice"
)

// Store defines the storage interface
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
	RecentCalls(ctx context.Context, limit int) ([]types.CallRecord, error)
	Close() error
}

// NoopStore is used when no state path is configured
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) Get(_ context.Context, _ string) (string, bool, error) { return "", false, nil }
func (s *NoopStore) Set(_ context.Context, _, _ string) error              { return nil }
func (s *NoopStore) SaveCallRecord(_ context.Context, _ types.CallRecord) error {
	return nil
}
func (s *NoopStore) RecentCalls(_ context.Context, _ int) ([]types.CallRecord, error) {
	return nil, nil
}
func (s *NoopStore) Close() error { return nil }
