package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Coordinator", CoordinatorFrom(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestCoordinatorAuth(t *testing.T) {
	auth, err := NewCoordinatorAuth(secret, "local-vrf", logger.Discard())
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	handler := auth.Handler(okHandler())

	valid, err := IssueCoordinatorToken(secret, "local-vrf", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	otherSubject, _ := IssueCoordinatorToken(secret, "someone-else", time.Minute)
	wrongSecret, _ := IssueCoordinatorToken([]byte("another-secret-another-secret-00"), "local-vrf", time.Minute)
	expired, _ := IssueCoordinatorToken(secret, "local-vrf", -time.Minute)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "local-vrf"}).SignedString(secret)
	wrongAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "local-vrf",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(secret)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + valid, http.StatusUnauthorized},
		{"other subject", "Bearer " + otherSubject, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + wrongAlg, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/raffle/fulfill", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			if tc.want == http.StatusOK && rec.Header().Get("X-Coordinator") != "local-vrf" {
				t.Fatalf("coordinator not placed in context")
			}
		})
	}

	if _, err := NewCoordinatorAuth(nil, "x", nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.Discard())
	handler := rl.Handler(okHandler())

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/raffle", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("10.0.0.1:1000") != http.StatusOK || do("10.0.0.1:1001") != http.StatusOK {
		t.Fatalf("burst should be allowed")
	}
	if got := do("10.0.0.1:1002"); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
	if got := do("10.0.0.2:1000"); got != http.StatusOK {
		t.Fatalf("other clients must not be limited, got %d", got)
	}

	if removed := rl.Cleanup(-time.Second); removed != 2 {
		t.Fatalf("expected 2 idle limiters removed, got %d", removed)
	}
}

func TestTracingSetsHeader(t *testing.T) {
	handler := NewTracingMiddleware(logger.Discard()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceID(r.Context()) == "" {
			t.Errorf("trace id missing from context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Trace-ID") != "abc" || rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Header().Get("X-Trace-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("expected generated trace id")
	}
}

func TestCORS(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://raffle.example"})
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/raffle/enter", nil)
	req.Header.Set("Origin", "https://raffle.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://raffle.example" {
		t.Fatalf("preflight not handled: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow origin for foreign site")
	}
	if m.CheckOrigin(req) {
		t.Fatalf("websocket origin check should reject foreign site")
	}
}
