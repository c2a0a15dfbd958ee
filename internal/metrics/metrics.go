// Package metrics keeps process counters for the desk core and serves them
// in Prometheus text format.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/types"
)

// Metrics holds all desk metrics. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.RWMutex

	// Control channel
	ControlConnectsTotal     int64
	ControlDisconnectsTotal  int64
	ControlReconnectsTotal   int64
	ControlAuthFailuresTotal int64
	PresenceUpdatesTotal     int64
	PresenceCorrectionsTotal int64

	// Signaling
	SignalingReconnectsTotal int64
	SignalingRefreshFailures int64

	// Calls
	callsByDirection   map[types.Direction]int64
	EstablishedTotal   int64
	CallSetupFailures  int64
	dispositionsByKind map[string]int64

	// Context and devices
	hydrationErrors      map[types.ContextField]int64
	DeviceFallbacksTotal int64
	CustomerWritesFailed int64

	// HTTP
	httpRequestsTotal map[string]map[int]int64

	startTime time.Time
}

// Disposition outcomes
const (
	DispositionManual   = "manual"
	DispositionAuto     = "auto"
	DispositionCallback = "callback"
	DispositionFailed   = "failed"
)

var instance *Metrics
var once sync.Once

// Get returns the process-wide metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an empty metrics set
func New() *Metrics {
	return &Metrics{
		callsByDirection:   make(map[types.Direction]int64),
		dispositionsByKind: make(map[string]int64),
		hydrationErrors:    make(map[types.ContextField]int64),
		httpRequestsTotal:  make(map[string]map[int]int64),
		startTime:          time.Now(),
	}
}

func (m *Metrics) inc(f func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	f()
	m.mu.Unlock()
}

// RecordControlConnect counts a successful control-channel dial
func (m *Metrics) RecordControlConnect() { m.inc(func() { m.ControlConnectsTotal++ }) }

// RecordControlDisconnect counts a dropped control-channel connection
func (m *Metrics) RecordControlDisconnect() { m.inc(func() { m.ControlDisconnectsTotal++ }) }

// RecordControlReconnect counts a scheduled control-channel reconnect
func (m *Metrics) RecordControlReconnect() { m.inc(func() { m.ControlReconnectsTotal++ }) }

// RecordControlAuthFailure counts a control channel closed for auth
func (m *Metrics) RecordControlAuthFailure() { m.inc(func() { m.ControlAuthFailuresTotal++ }) }

// RecordPresenceUpdate counts a presence push
func (m *Metrics) RecordPresenceUpdate() { m.inc(func() { m.PresenceUpdatesTotal++ }) }

// RecordPresenceCorrection counts a Logged Out correction
func (m *Metrics) RecordPresenceCorrection() { m.inc(func() { m.PresenceCorrectionsTotal++ }) }

// RecordSignalingReconnect counts a scheduled signaling reconnect
func (m *Metrics) RecordSignalingReconnect() { m.inc(func() { m.SignalingReconnectsTotal++ }) }

// RecordSignalingRefreshFailure counts a failed post-reconnect session refresh
func (m *Metrics) RecordSignalingRefreshFailure() { m.inc(func() { m.SignalingRefreshFailures++ }) }

// RecordCall counts a call by direction
func (m *Metrics) RecordCall(d types.Direction) { m.inc(func() { m.callsByDirection[d]++ }) }

// RecordEstablished counts a call that reached Established
func (m *Metrics) RecordEstablished() { m.inc(func() { m.EstablishedTotal++ }) }

// RecordCallSetupFailure counts an aborted call attempt
func (m *Metrics) RecordCallSetupFailure() { m.inc(func() { m.CallSetupFailures++ }) }

// RecordDisposition counts a disposition outcome
func (m *Metrics) RecordDisposition(kind string) { m.inc(func() { m.dispositionsByKind[kind]++ }) }

// RecordHydrationError counts a failed context fetch
func (m *Metrics) RecordHydrationError(f types.ContextField) {
	m.inc(func() { m.hydrationErrors[f]++ })
}

// RecordDeviceFallback counts an automatic device fallback
func (m *Metrics) RecordDeviceFallback() { m.inc(func() { m.DeviceFallbacksTotal++ }) }

// RecordCustomerWriteFailure counts a failed customer update
func (m *Metrics) RecordCustomerWriteFailure() { m.inc(func() { m.CustomerWritesFailed++ }) }

// RecordHTTPRequest records a control API request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	m.inc(func() {
		if m.httpRequestsTotal[endpoint] == nil {
			m.httpRequestsTotal[endpoint] = make(map[int]int64)
		}
		m.httpRequestsTotal[endpoint][statusCode]++
	})
}

// Calls returns the call count for a direction
func (m *Metrics) Calls(d types.Direction) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callsByDirection[d]
}

// Dispositions returns the count for a disposition outcome
func (m *Metrics) Dispositions(kind string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dispositionsByKind[kind]
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("agentdesk_uptime_seconds", time.Since(m.startTime).Seconds())

		write("agentdesk_control_connects_total", m.ControlConnectsTotal)
		write("agentdesk_control_disconnects_total", m.ControlDisconnectsTotal)
		write("agentdesk_control_reconnects_total", m.ControlReconnectsTotal)
		write("agentdesk_control_auth_failures_total", m.ControlAuthFailuresTotal)
		write("agentdesk_presence_updates_total", m.PresenceUpdatesTotal)
		write("agentdesk_presence_corrections_total", m.PresenceCorrectionsTotal)

		write("agentdesk_signaling_reconnects_total", m.SignalingReconnectsTotal)
		write("agentdesk_signaling_refresh_failures_total", m.SignalingRefreshFailures)

		for _, d := range []types.Direction{types.DirectionInbound, types.DirectionOutbound} {
			write("agentdesk_calls_total", m.callsByDirection[d], "direction", string(d))
		}
		write("agentdesk_calls_established_total", m.EstablishedTotal)
		write("agentdesk_call_setup_failures_total", m.CallSetupFailures)

		for _, kind := range sortedKeys(m.dispositionsByKind) {
			write("agentdesk_dispositions_total", m.dispositionsByKind[kind], "outcome", kind)
		}
		for field, count := range m.hydrationErrors {
			write("agentdesk_hydration_errors_total", count, "field", string(field))
		}
		write("agentdesk_device_fallbacks_total", m.DeviceFallbacksTotal)
		write("agentdesk_customer_write_failures_total", m.CustomerWritesFailed)

		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("agentdesk_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
