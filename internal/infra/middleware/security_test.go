package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTS_WithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"http://dash.local:3000"})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantAllow  string
		wantStatus int
	}{
		{"allowed origin", "GET", "http://dash.local:3000", "http://dash.local:3000", http.StatusOK},
		{"preflight", "OPTIONS", "http://dash.local:3000", "http://dash.local:3000", http.StatusNoContent},
		{"other origin", "GET", "http://evil.example", "", http.StatusOK},
		{"no origin", "GET", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestCORS_Wildcard(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "http://anything:1")
	w := httptest.NewRecorder()
	CORS([]string{"*"})(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://anything:1" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestRateLimit_AllowsNormalTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), 60, 10)(okHandler)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: got status %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), 6, 3)(okHandler)

	success, blocked := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			success++
		case http.StatusTooManyRequests:
			blocked++
			if w.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After on 429")
			}
		}
	}
	if success != 3 {
		t.Errorf("Expected 3 successful requests, got %d", success)
	}
	if blocked != 7 {
		t.Errorf("Expected 7 blocked requests, got %d", blocked)
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	handler := RateLimit(context.Background(), 6, 2)(okHandler)

	client1Blocked := false
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			client1Blocked = true
		}
	}

	client2Success := 0
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.2:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			client2Success++
		}
	}

	if !client1Blocked {
		t.Error("Client 1 should have been rate limited")
	}
	if client2Success != 2 {
		t.Errorf("Client 2 should have 2 successful requests, got %d", client2Success)
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	handler := RateLimit(context.Background(), 0, 0)(okHandler)
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestRateLimit_TokenRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping time-dependent test in short mode")
	}

	handler := RateLimit(context.Background(), 60, 1)(okHandler)
	send := func() int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Errorf("First request: got status %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("Second request (immediate): got status %d", code)
	}
	time.Sleep(1100 * time.Millisecond)
	if code := send(); code != http.StatusOK {
		t.Errorf("Third request (after refill): got status %d", code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xForwardedFor  string
		xRealIP        string
		trustedProxies []string
		want           string
	}{
		{"direct peer", "192.168.1.1:12345", "", "", nil, "192.168.1.1"},
		{"ipv6 peer", "[::1]:8080", "", "", nil, "::1"},
		{"untrusted peer ignores XFF", "1.2.3.4:12345", "8.8.8.8", "", []string{"192.168.1.1"}, "1.2.3.4"},
		{"no trusted proxies ignores XFF", "1.2.3.4:12345", "8.8.8.8", "", nil, "1.2.3.4"},
		{"trusted proxy uses first XFF", "192.168.1.1:12345", "203.0.113.1, 198.51.100.1", "", []string{"192.168.1.1"}, "203.0.113.1"},
		{"trusted proxy uses X-Real-IP", "192.168.1.1:12345", "", "203.0.113.9", []string{"192.168.1.1"}, "203.0.113.9"},
		{"trusted proxy without headers", "192.168.1.1:12345", "", "", []string{"192.168.1.1"}, "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := clientIP(req, tt.trustedProxies); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
