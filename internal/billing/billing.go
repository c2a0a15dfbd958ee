// Package billing verifies bank accounts and creates subscriptions.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrMissingAccount = errors.New("routing and account number are required")
	ErrRoutingNumber  = errors.New("routing number must be exactly 9 digits")
	ErrAccountNumber  = errors.New("account number must be at least 5 digits")
	ErrNoProduct      = errors.New("a product must be selected")
	ErrDisclaimer     = errors.New("subscription disclaimer must be accepted")
)

// Backend is the subset of the REST client used for billing
type Backend interface {
	VerifyAccount(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error
	SubscribeCustomer(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error
}

// ReasonFunc extracts a backend-supplied reason from an error
type ReasonFunc func(error) string

// Error carries the backend's explanation for a rejected request
type Error struct {
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Service runs billing requests for the active customer
type Service struct {
	backend Backend
	reason  ReasonFunc
	logger  zerolog.Logger
}

// NewService creates a billing service
func NewService(backend Backend, reason ReasonFunc, logger zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		reason:  reason,
		logger:  logger.With().Str("component", "billing").Logger(),
	}
}

// Normalize strips everything but digits from the account numbers
func Normalize(p types.PaymentInformation) types.PaymentInformation {
	p.RoutingNumber = digits(p.RoutingNumber)
	p.AccountNumber = digits(p.AccountNumber)
	return p
}

// Validate checks the account numbers before anything is sent
func Validate(p types.PaymentInformation) error {
	if p.RoutingNumber == "" || p.AccountNumber == "" {
		return ErrMissingAccount
	}
	if len(p.RoutingNumber) != 9 || digits(p.RoutingNumber) != p.RoutingNumber {
		return ErrRoutingNumber
	}
	if len(p.AccountNumber) < 5 || digits(p.AccountNumber) != p.AccountNumber {
		return ErrAccountNumber
	}
	return nil
}

// Verify checks the bank account with the payment processor
func (s *Service) Verify(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error {
	payment = Normalize(payment)
	if err := Validate(payment); err != nil {
		return err
	}

	if err := s.backend.VerifyAccount(ctx, customer, payment); err != nil {
		s.logger.Warn().Err(err).Str("customer_id", customer.ID()).Msg("account verification failed")
		return &Error{Op: "verify account", Reason: s.reasonOf(err), Err: err}
	}

	s.logger.Info().Str("customer_id", customer.ID()).Msg("account verified")
	return nil
}

// Subscribe creates the subscription and reports the backend's actual result
func (s *Service) Subscribe(ctx context.Context, customer types.Customer, payment types.PaymentInformation) error {
	payment = Normalize(payment)
	if err := Validate(payment); err != nil {
		return err
	}
	if payment.SelectedProduct == "" {
		return ErrNoProduct
	}

	if err := s.backend.SubscribeCustomer(ctx, customer, payment); err != nil {
		s.logger.Error().Err(err).Str("customer_id", customer.ID()).Msg("failed to create subscription")
		return &Error{Op: "create subscription", Reason: s.reasonOf(err), Err: err}
	}

	s.logger.Info().
		Str("customer_id", customer.ID()).
		Str("product", payment.SelectedProduct).
		Msg("subscription created")
	return nil
}

func (s *Service) reasonOf(err error) string {
	if s.reason == nil {
		return ""
	}
	return s.reason(err)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
