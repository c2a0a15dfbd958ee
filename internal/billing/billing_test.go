package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/rs/zerolog"
)

type reasonErr struct{ reason string }

func (e reasonErr) Error() string { return "declined" }

type fakeBackend struct {
	verifyErr    error
	subscribeErr error
	verified     []types.PaymentInformation
	subscribed   int
}

func (f *fakeBackend) VerifyAccount(_ context.Context, _ types.Customer, p types.PaymentInformation) error {
	f.verified = append(f.verified, p)
	return f.verifyErr
}

func (f *fakeBackend) SubscribeCustomer(_ context.Context, _ types.Customer, _ types.PaymentInformation) error {
	f.subscribed++
	return f.subscribeErr
}

func reasonOf(err error) string {
	var r reasonErr
	if errors.As(err, &r) {
		return r.reason
	}
	return ""
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		payment types.PaymentInformation
		want    error
	}{
		{"valid", types.PaymentInformation{RoutingNumber: "123456789", AccountNumber: "12345"}, nil},
		{"missing routing", types.PaymentInformation{AccountNumber: "12345"}, ErrMissingAccount},
		{"missing account", types.PaymentInformation{RoutingNumber: "123456789"}, ErrMissingAccount},
		{"short routing", types.PaymentInformation{RoutingNumber: "12345678", AccountNumber: "12345"}, ErrRoutingNumber},
		{"long routing", types.PaymentInformation{RoutingNumber: "1234567890", AccountNumber: "12345"}, ErrRoutingNumber},
		{"short account", types.PaymentInformation{RoutingNumber: "123456789", AccountNumber: "1234"}, ErrAccountNumber},
		{"letters", types.PaymentInformation{RoutingNumber: "12345678a", AccountNumber: "12345"}, ErrRoutingNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.payment); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyNormalizesDigits(t *testing.T) {
	backend := &fakeBackend{}
	s := NewService(backend, reasonOf, zerolog.Nop())

	err := s.Verify(context.Background(), types.Customer{"customer_id": "1"}, types.PaymentInformation{
		RoutingNumber: "123-456-789",
		AccountNumber: "00 123 45",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(backend.verified) != 1 {
		t.Fatalf("expected one verify call, got %d", len(backend.verified))
	}
	if got := backend.verified[0]; got.RoutingNumber != "123456789" || got.AccountNumber != "0012345" {
		t.Errorf("expected normalized numbers, got %+v", got)
	}
}

func TestVerifyInvalidSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	s := NewService(backend, reasonOf, zerolog.Nop())

	err := s.Verify(context.Background(), nil, types.PaymentInformation{RoutingNumber: "1", AccountNumber: "12345"})
	if !errors.Is(err, ErrRoutingNumber) {
		t.Fatalf("expected routing error, got %v", err)
	}
	if len(backend.verified) != 0 {
		t.Errorf("backend must not be called for invalid input")
	}
}

func TestVerifySurfacesReason(t *testing.T) {
	backend := &fakeBackend{verifyErr: reasonErr{reason: "account closed"}}
	s := NewService(backend, reasonOf, zerolog.Nop())

	err := s.Verify(context.Background(), nil, types.PaymentInformation{RoutingNumber: "123456789", AccountNumber: "12345"})
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected billing error, got %v", err)
	}
	if be.Reason != "account closed" {
		t.Errorf("expected reason, got %q", be.Reason)
	}
}

func TestSubscribeReportsFailure(t *testing.T) {
	backend := &fakeBackend{subscribeErr: reasonErr{reason: "duplicate subscription"}}
	s := NewService(backend, reasonOf, zerolog.Nop())

	err := s.Subscribe(context.Background(), types.Customer{"customer_id": "2"}, types.PaymentInformation{
		RoutingNumber:   "123456789",
		AccountNumber:   "12345",
		SelectedProduct: "Home Base",
	})
	if err == nil {
		t.Fatal("expected subscription failure to be reported")
	}
	if backend.subscribed != 1 {
		t.Errorf("expected one subscribe call, got %d", backend.subscribed)
	}
}

func TestSubscribeRequiresProduct(t *testing.T) {
	backend := &fakeBackend{}
	s := NewService(backend, reasonOf, zerolog.Nop())

	err := s.Subscribe(context.Background(), nil, types.PaymentInformation{RoutingNumber: "123456789", AccountNumber: "12345"})
	if err == nil {
		t.Fatal("expected error without product")
	}
	if backend.subscribed != 0 {
		t.Errorf("backend must not be called")
	}
}
