package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAPIKeyAuth(t *testing.T) {
	protected := APIKeyAuth("secret", "/healthz")(ok)
	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{name: "missing", path: "/v1/exchange", want: http.StatusUnauthorized},
		{name: "wrong", path: "/v1/exchange", header: "X-API-Key", value: "nope", want: http.StatusUnauthorized},
		{name: "header", path: "/v1/exchange", header: "X-API-Key", value: "secret", want: http.StatusOK},
		{name: "bearer", path: "/v1/exchange", header: "Authorization", value: "Bearer secret", want: http.StatusOK},
		{name: "open path", path: "/healthz", want: http.StatusOK},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
	if APIKeyAuth("  ") != nil {
		t.Fatalf("blank key should disable auth")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now: func() time.Time {
			return current
		},
	}
	limited := RateLimit(opts)(ok)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request blocked, got %d", rr.Code)
	}
	current = current.Add(time.Second)
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request allowed after refill, got %d", rr.Code)
	}
	if RateLimit(RateLimitOptions{}) != nil {
		t.Fatalf("zero options should disable limiting")
	}
}

func TestRequestLoggerAssignsID(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("brew"))
	}), RequestLogger(zerolog.New(&buf)), nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/exchange", nil))
	id := rr.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatalf("missing request id header")
	}
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("decode log %q: %v", buf.String(), err)
	}
	if event["request_id"] != id || event["status"] != float64(http.StatusTeapot) || event["bytes"] != float64(4) {
		t.Fatalf("unexpected log event %v", event)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get(RequestIDHeader) != "caller-id" {
		t.Fatalf("caller request id not propagated")
	}
}
