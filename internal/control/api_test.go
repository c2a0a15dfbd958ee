package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/billing"
	"github.com/LifeShieldMedicalAlerts/crm/internal/desk"
	"github.com/LifeShieldMedicalAlerts/crm/internal/disposition"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type fakeDesk struct {
	err error

	dialed      string
	tone        rune
	code        string
	callback    bool
	presence    types.AgentStatus
	customer    types.Customer
	input       string
	output      string
	payment     types.PaymentInformation
	disclaimer  bool
	slide       int
	historySize int
	permission  int
}

func (f *fakeDesk) Status() desk.Status {
	return desk.Status{Agent: "Ada", Countdown: "(00:00)", MustDisposition: true}
}
func (f *fakeDesk) Dial(_ context.Context, number string) error {
	f.dialed = number
	return f.err
}
func (f *fakeDesk) Hangup(_ context.Context) error             { return f.err }
func (f *fakeDesk) ToggleMute() (bool, error)                  { return true, f.err }
func (f *fakeDesk) ToggleHold(_ context.Context) (bool, error) { return true, f.err }
func (f *fakeDesk) SendDigits(tone rune) error                 { f.tone = tone; return f.err }
func (f *fakeDesk) CallContext() types.CallContext             { return types.CallContext{SessionID: "s1"} }
func (f *fakeDesk) Devices() types.AudioDeviceSet {
	return types.AudioDeviceSet{SelectedInput: f.input}
}
func (f *fakeDesk) Logout(_ context.Context) error             { return f.err }
func (f *fakeDesk) SetPresence(status types.AgentStatus) error { f.presence = status; return f.err }
func (f *fakeDesk) UpdateCustomer(customer types.Customer) error {
	f.customer = customer
	return f.err
}
func (f *fakeDesk) Disposition(_ context.Context, code string, callback bool) error {
	f.code, f.callback = code, callback
	return f.err
}
func (f *fakeDesk) SelectCustomer(_ context.Context, id string) (types.Customer, error) {
	return types.Customer{"customer_id": id}, f.err
}
func (f *fakeDesk) RequestPermission(_ context.Context) (types.AudioDeviceSet, error) {
	f.permission++
	return types.AudioDeviceSet{PermissionGranted: f.err == nil}, f.err
}
func (f *fakeDesk) SelectDevices(_ context.Context, input, output string) error {
	f.input, f.output = input, output
	return f.err
}
func (f *fakeDesk) VerifyAccount(_ context.Context, payment types.PaymentInformation) error {
	f.payment = payment
	return f.err
}
func (f *fakeDesk) Subscribe(_ context.Context, payment types.PaymentInformation, accepted bool) error {
	f.payment, f.disclaimer = payment, accepted
	return f.err
}
func (f *fakeDesk) RenderSlide(index int) (desk.RenderedSlide, error) {
	f.slide = index
	return desk.RenderedSlide{Index: 1, Total: 3}, f.err
}
func (f *fakeDesk) History(_ context.Context, limit int) ([]types.CallRecord, error) {
	f.historySize = limit
	return nil, f.err
}

func setupTestAPI(d *fakeDesk) *mux.Router {
	api := NewAPI(d, metrics.New().Handler(), zerolog.Nop())
	router := mux.NewRouter()
	api.SetupRoutes(router)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	w := do(setupTestAPI(&fakeDesk{}), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %s", body["status"])
	}
}

func TestStatusHandler(t *testing.T) {
	w := do(setupTestAPI(&fakeDesk{}), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]interface{}
	json.NewDecoder(w.Body).Decode(&body)
	if body["mustDisposition"] != true || body["countdown"] != "(00:00)" {
		t.Fatalf("unexpected status %v", body)
	}
}

func TestDialHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	w := do(router, http.MethodPost, "/calls/dial", `{"number":"5551234567"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if d.dialed != "5551234567" {
		t.Fatalf("expected number passed through, got %q", d.dialed)
	}

	if w := do(router, http.MethodPost, "/calls/dial", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing number, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/calls/dial", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestDTMFHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	if w := do(router, http.MethodPost, "/calls/dtmf", `{"tone":"#"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d.tone != '#' {
		t.Fatalf("expected tone #, got %q", d.tone)
	}
	if w := do(router, http.MethodPost, "/calls/dtmf", `{"tone":"12"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDispositionHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	if w := do(router, http.MethodPost, "/disposition", `{"code":"cb","callback":true}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d.code != "cb" || !d.callback {
		t.Fatalf("expected callback disposition, got %q %v", d.code, d.callback)
	}
}

func TestLogoutBlocked(t *testing.T) {
	d := &fakeDesk{err: &disposition.LogoutBlockedError{Reasons: []string{disposition.ReasonMustDisposition}}}
	w := do(setupTestAPI(d), http.MethodPost, "/logout", "")

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body errorBody
	json.NewDecoder(w.Body).Decode(&body)
	if len(body.Reasons) != 1 || body.Reasons[0] != disposition.ReasonMustDisposition {
		t.Fatalf("expected blocking reasons, got %+v", body)
	}
}

func TestSubscribeHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	payload := `{"routing_number":"123456789","account_number":"12345678","selected_product":"basic","disclaimer_accept":true}`
	if w := do(router, http.MethodPost, "/billing/subscribe", payload); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !d.disclaimer || d.payment.SelectedProduct != "basic" || d.payment.RoutingNumber != "123456789" {
		t.Fatalf("unexpected subscribe input %+v %v", d.payment, d.disclaimer)
	}
}

func TestDevicesHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	w := do(router, http.MethodPut, "/devices", `{"input":"hw:1,0"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var set types.AudioDeviceSet
	json.NewDecoder(w.Body).Decode(&set)
	if set.SelectedInput != "hw:1,0" || d.output != "" {
		t.Fatalf("unexpected device selection %+v output=%q", set, d.output)
	}

	if w := do(router, http.MethodPut, "/devices", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPermissionHandler(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	w := do(router, http.MethodPost, "/devices/permission", "")
	if w.Code != http.StatusOK || d.permission != 1 {
		t.Fatalf("expected permission request, got %d calls=%d", w.Code, d.permission)
	}
	var set types.AudioDeviceSet
	json.NewDecoder(w.Body).Decode(&set)
	if !set.PermissionGranted {
		t.Errorf("expected granted device set, got %+v", set)
	}

	d.err = apperr.New(apperr.Device, "request permission", errors.New("no microphone"))
	if w := do(router, http.MethodPost, "/devices/permission", ""); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestRenderAndHistoryQueries(t *testing.T) {
	d := &fakeDesk{}
	router := setupTestAPI(d)

	if w := do(router, http.MethodGet, "/script/render", ""); w.Code != http.StatusOK || d.slide != -1 {
		t.Fatalf("expected start slide request, got %d slide=%d", w.Code, d.slide)
	}
	if w := do(router, http.MethodGet, "/script/render?slide=2", ""); w.Code != http.StatusOK || d.slide != 2 {
		t.Fatalf("expected slide 2, got %d slide=%d", w.Code, d.slide)
	}
	if w := do(router, http.MethodGet, "/script/render?slide=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w := do(router, http.MethodGet, "/history", "")
	if w.Code != http.StatusOK || d.historySize != defaultHistoryLimit {
		t.Fatalf("expected default limit, got %d limit=%d", w.Code, d.historySize)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Fatalf("expected empty list, got %q", got)
	}
	if do(router, http.MethodGet, "/history?limit=5", ""); d.historySize != 5 {
		t.Fatalf("expected limit 5, got %d", d.historySize)
	}
}

func TestMetricsRoute(t *testing.T) {
	w := do(setupTestAPI(&fakeDesk{}), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("agentdesk_")) {
		t.Fatalf("expected desk metrics, got %q", w.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	if w := do(setupTestAPI(&fakeDesk{}), http.MethodGet, "/calls/dial", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"call setup", apperr.New(apperr.CallSetup, "place call", telephony.ErrNotRegistered), http.StatusConflict},
		{"disposition", apperr.New(apperr.Disposition, "submit", errors.New("boom")), http.StatusConflict},
		{"auth", apperr.New(apperr.Auth, "refresh", errors.New("expired")), http.StatusUnauthorized},
		{"device", apperr.New(apperr.Device, "open", errors.New("busy")), http.StatusUnprocessableEntity},
		{"transport", apperr.New(apperr.Transport, "post", errors.New("reset")), http.StatusBadGateway},
		{"validation", billing.ErrRoutingNumber, http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("create subscription: %w", billing.ErrDisclaimer), http.StatusBadRequest},
		{"backend rejected", &billing.Error{Op: "verify account", Reason: "closed account"}, http.StatusUnprocessableEntity},
		{"missing code", disposition.ErrMissingCode, http.StatusBadRequest},
		{"no call", telephony.ErrNoActiveCall, http.StatusConflict},
		{"no script", desk.ErrNoScript, http.StatusConflict},
		{"no presence", desk.ErrNoPresence, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
