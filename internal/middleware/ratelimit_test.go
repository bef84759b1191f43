package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllowWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, nil, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("third request in the window should be blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other IPs have their own budget")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("budget should reset after the window")
	}
}

func TestEvictIdle(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute, nil, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(90 * time.Second)
	rl.Allow("10.0.0.2")
	now = now.Add(45 * time.Second)

	if n := rl.evictIdle(); n != 1 {
		t.Fatalf("evictIdle() = %d, want 1", n)
	}
	if got := rl.Stats()["tracked_ips"]; got != 1 {
		t.Errorf("tracked_ips = %v, want 1", got)
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Second, []string{"192.168.1.10"}, testLogger())
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("10.0.0.1:5000", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := do("10.0.0.1:5001", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}

	for i := 0; i < 3; i++ {
		if rec := do("10.0.0.9:5000", "192.168.1.10, 10.0.0.9"); rec.Code != http.StatusNoContent {
			t.Fatalf("whitelisted request %d = %d", i, rec.Code)
		}
	}

	if got := rl.Stats()["blocked"]; got != int64(1) {
		t.Errorf("blocked = %v, want 1", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"remote addr", "10.1.1.1:443", "", "", "10.1.1.1"},
		{"forwarded chain", "10.1.1.1:443", "203.0.113.5, 10.0.0.1", "", "203.0.113.5"},
		{"forwarded with port", "10.1.1.1:443", "203.0.113.5:9000", "", "203.0.113.5"},
		{"real ip", "10.1.1.1:443", "", "198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
