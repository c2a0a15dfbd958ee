// Package control serves the local HTTP API the desk UI drives.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/LifeShieldMedicalAlerts/crm/internal/billing"
	"github.com/LifeShieldMedicalAlerts/crm/internal/controlchannel"
	"github.com/LifeShieldMedicalAlerts/crm/internal/desk"
	"github.com/LifeShieldMedicalAlerts/crm/internal/disposition"
	"github.com/LifeShieldMedicalAlerts/crm/internal/hydrator"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const defaultHistoryLimit = 50

// Desk is the set of operations exposed over HTTP
type Desk interface {
	Status() desk.Status
	Dial(ctx context.Context, number string) error
	Hangup(ctx context.Context) error
	ToggleMute() (bool, error)
	ToggleHold(ctx context.Context) (bool, error)
	SendDigits(tone rune) error
	Disposition(ctx context.Context, code string, callback bool) error
	SetPresence(status types.AgentStatus) error
	Logout(ctx context.Context) error
	CallContext() types.CallContext
	UpdateCustomer(customer types.Customer) error
	SelectCustomer(ctx context.Context, customerID string) (types.Customer, error)
	Devices() types.AudioDeviceSet
	RequestPermission(ctx context.Context) (types.AudioDeviceSet, error)
	SelectDevices(ctx context.Context, input, output string) error
	VerifyAccount(ctx context.Context, payment types.PaymentInformation) error
	Subscribe(ctx context.Context, payment types.PaymentInformation, disclaimerAccepted bool) error
	RenderSlide(index int) (desk.RenderedSlide, error)
	History(ctx context.Context, limit int) ([]types.CallRecord, error)
}

// API provides the HTTP control interface of the desk
type API struct {
	desk    Desk
	metrics http.Handler
	logger  zerolog.Logger
}

// NewAPI creates the control API. metrics serves GET /metrics when set.
func NewAPI(d Desk, metrics http.Handler, logger zerolog.Logger) *API {
	return &API{
		desk:    d,
		metrics: metrics,
		logger:  logger.With().Str("component", "control_api").Logger(),
	}
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/history", api.historyHandler).Methods("GET")
	if api.metrics != nil {
		router.Handle("/metrics", api.metrics).Methods("GET")
	}

	// Call control
	router.HandleFunc("/calls/dial", api.dialHandler).Methods("POST")
	router.HandleFunc("/calls/hangup", api.hangupHandler).Methods("POST")
	router.HandleFunc("/calls/mute", api.muteHandler).Methods("POST")
	router.HandleFunc("/calls/hold", api.holdHandler).Methods("POST")
	router.HandleFunc("/calls/dtmf", api.dtmfHandler).Methods("POST")

	// Agent lifecycle
	router.HandleFunc("/disposition", api.dispositionHandler).Methods("POST")
	router.HandleFunc("/presence", api.presenceHandler).Methods("POST")
	router.HandleFunc("/logout", api.logoutHandler).Methods("POST")

	// Call context and script
	router.HandleFunc("/context", api.contextHandler).Methods("GET")
	router.HandleFunc("/customer", api.customerHandler).Methods("PUT")
	router.HandleFunc("/customer/select", api.selectCustomerHandler).Methods("POST")
	router.HandleFunc("/script/render", api.renderHandler).Methods("GET")
	router.HandleFunc("/billing/verify", api.verifyHandler).Methods("POST")
	router.HandleFunc("/billing/subscribe", api.subscribeHandler).Methods("POST")

	router.HandleFunc("/devices", api.devicesHandler).Methods("GET", "PUT")
	router.HandleFunc("/devices/permission", api.permissionHandler).Methods("POST")
}

// Handler returns a router serving every control route
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	api.SetupRoutes(router)
	return router
}

func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.desk.Status())
}

func (api *API) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	calls, err := api.desk.History(r.Context(), limit)
	if err != nil {
		api.writeError(w, "list history", err)
		return
	}
	if calls == nil {
		calls = []types.CallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (api *API) dialHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number string `json:"number"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Number == "" {
		api.badRequest(w, "number is required")
		return
	}

	if err := api.desk.Dial(r.Context(), req.Number); err != nil {
		api.writeError(w, "dial", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "call placed"})
}

func (api *API) hangupHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.desk.Hangup(r.Context()); err != nil {
		api.writeError(w, "hangup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "call ended"})
}

func (api *API) muteHandler(w http.ResponseWriter, r *http.Request) {
	muted, err := api.desk.ToggleMute()
	if err != nil {
		api.writeError(w, "mute", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func (api *API) holdHandler(w http.ResponseWriter, r *http.Request) {
	held, err := api.desk.ToggleHold(r.Context())
	if err != nil {
		api.writeError(w, "hold", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"held": held})
}

func (api *API) dtmfHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tone string `json:"tone"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	tones := []rune(req.Tone)
	if len(tones) != 1 {
		api.badRequest(w, "tone must be a single character")
		return
	}

	if err := api.desk.SendDigits(tones[0]); err != nil {
		api.writeError(w, "send dtmf", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tone sent"})
}

func (api *API) dispositionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Callback bool   `json:"callback"`
	}
	if !api.decode(w, r, &req) {
		return
	}

	if err := api.desk.Disposition(r.Context(), req.Code, req.Callback); err != nil {
		api.writeError(w, "disposition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "disposition recorded"})
}

func (api *API) presenceHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status types.AgentStatus `json:"status"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		api.badRequest(w, "status is required")
		return
	}

	if err := api.desk.SetPresence(req.Status); err != nil {
		api.writeError(w, "update presence", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "status change requested"})
}

func (api *API) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.desk.Logout(r.Context()); err != nil {
		api.writeError(w, "logout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (api *API) contextHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.desk.CallContext())
}

func (api *API) customerHandler(w http.ResponseWriter, r *http.Request) {
	var record types.Customer
	if !api.decode(w, r, &record) {
		return
	}

	if err := api.desk.UpdateCustomer(record); err != nil {
		api.writeError(w, "update customer", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "customer update queued"})
}

func (api *API) selectCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customerId"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		api.badRequest(w, "customerId is required")
		return
	}

	record, err := api.desk.SelectCustomer(r.Context(), req.CustomerID)
	if err != nil {
		api.writeError(w, "select customer", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (api *API) renderHandler(w http.ResponseWriter, r *http.Request) {
	index := -1
	if v := r.URL.Query().Get("slide"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.badRequest(w, "slide must be a non-negative integer")
			return
		}
		index = n
	}

	slide, err := api.desk.RenderSlide(index)
	if err != nil {
		api.writeError(w, "render slide", err)
		return
	}
	writeJSON(w, http.StatusOK, slide)
}

func (api *API) verifyHandler(w http.ResponseWriter, r *http.Request) {
	var payment types.PaymentInformation
	if !api.decode(w, r, &payment) {
		return
	}

	if err := api.desk.VerifyAccount(r.Context(), payment); err != nil {
		api.writeError(w, "verify account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "account verified"})
}

func (api *API) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		types.PaymentInformation
		DisclaimerAccepted bool `json:"disclaimer_accept"`
	}
	if !api.decode(w, r, &req) {
		return
	}

	if err := api.desk.Subscribe(r.Context(), req.PaymentInformation, req.DisclaimerAccepted); err != nil {
		api.writeError(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscription created"})
}

// devicesHandler lists or changes the audio devices
func (api *API) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		writeJSON(w, http.StatusOK, api.desk.Devices())
		return
	}

	// PUT - change selection
	var req struct {
		Input  string `json:"input"`
		Output string `json:"output"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Input == "" && req.Output == "" {
		api.badRequest(w, "input or output is required")
		return
	}

	if err := api.desk.SelectDevices(r.Context(), req.Input, req.Output); err != nil {
		api.writeError(w, "select devices", err)
		return
	}
	writeJSON(w, http.StatusOK, api.desk.Devices())
}

func (api *API) permissionHandler(w http.ResponseWriter, r *http.Request) {
	set, err := api.desk.RequestPermission(r.Context())
	if err != nil {
		api.writeError(w, "request permission", err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.badRequest(w, "invalid request body")
		return false
	}
	return true
}

func (api *API) badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

type errorBody struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func (api *API) writeError(w http.ResponseWriter, op string, err error) {
	status := StatusOf(err)
	body := errorBody{Error: err.Error()}
	if kind, ok := apperr.KindOf(err); ok {
		body.Kind = string(kind)
	}
	var blocked *disposition.LogoutBlockedError
	if errors.As(err, &blocked) {
		body.Reasons = blocked.Reasons
	}

	event := api.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = api.logger.Error()
	}
	event.Err(err).Str("op", op).Int("status", status).Msg("request failed")

	writeJSON(w, status, body)
}

// StatusOf maps a desk error to the HTTP status the UI reacts to
func StatusOf(err error) int {
	var blocked *disposition.LogoutBlockedError
	var rejected *billing.Error

	switch {
	case errors.As(err, &blocked):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrMissingAccount),
		errors.Is(err, billing.ErrRoutingNumber),
		errors.Is(err, billing.ErrAccountNumber),
		errors.Is(err, billing.ErrNoProduct),
		errors.Is(err, billing.ErrDisclaimer),
		errors.Is(err, disposition.ErrMissingCode),
		errors.Is(err, telephony.ErrInvalidTone),
		errors.Is(err, hydrator.ErrUnknownCustomer),
		errors.Is(err, desk.ErrSlideRange):
		return http.StatusBadRequest
	case errors.Is(err, telephony.ErrNoActiveCall),
		errors.Is(err, disposition.ErrNothingPending),
		errors.Is(err, disposition.ErrNoCallbackTarget),
		errors.Is(err, hydrator.ErrNoContext),
		errors.Is(err, desk.ErrNoScript),
		errors.Is(err, desk.ErrNoCustomer):
		return http.StatusConflict
	case errors.Is(err, controlchannel.ErrNotAuthenticated),
		errors.Is(err, controlchannel.ErrNotConnected),
		errors.Is(err, desk.ErrNoPresence):
		return http.StatusServiceUnavailable
	}

	kind, _ := apperr.KindOf(err)
	switch kind {
	case apperr.CallSetup, apperr.Disposition:
		return http.StatusConflict
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.Device:
		return http.StatusUnprocessableEntity
	case apperr.Transport, apperr.Hydration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
