package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	allowedOrigins := []string{"http://localhost:5173", "app://desk"}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	corsHandler := CORS(allowedOrigins)(handler)

	tests := []struct {
		name           string
		origin         string
		method         string
		expectedOrigin string
	}{
		{name: "dev server", origin: "http://localhost:5173", method: http.MethodGet, expectedOrigin: "http://localhost:5173"},
		{name: "packaged shell", origin: "app://desk", method: http.MethodPost, expectedOrigin: "app://desk"},
		{name: "unknown origin", origin: "http://evil.com", method: http.MethodGet},
		{name: "preflight", origin: "http://localhost:5173", method: http.MethodOptions, expectedOrigin: "http://localhost:5173"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/status", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}

			rec := httptest.NewRecorder()
			corsHandler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.expectedOrigin {
				t.Errorf("expected Access-Control-Allow-Origin %q, got %q", tt.expectedOrigin, got)
			}
		})
	}
}
