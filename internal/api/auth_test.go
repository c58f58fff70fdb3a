package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/carpie/sid/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(actor(r)))
}

func TestAuthNoAuthConfigured(t *testing.T) {
	auth := NewAuthMiddleware("", nil, testLogger())
	handler := auth.RequireAdmin(okHandler)

	req := httptest.NewRequest("POST", "/test", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("no auth configured should allow all, got %d", w.Code)
	}
	if got := w.Body.String(); got != "anonymous" {
		t.Errorf("actor = %q, want anonymous", got)
	}
}

func TestAuthBearerToken(t *testing.T) {
	auth := NewAuthMiddleware("test-token", nil, testLogger())
	handler := auth.RequireAdmin(okHandler)

	// Valid token
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("valid token should allow, got %d", w.Code)
	}
	if got := w.Body.String(); got != "api" {
		t.Errorf("actor = %q, want api", got)
	}

	// Invalid token
	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.Header.Set("Authorization", "Bearer wrong-token")
	w2 := httptest.NewRecorder()
	handler(w2, req2)

	if w2.Code != http.StatusUnauthorized {
		t.Errorf("invalid token should reject, got %d", w2.Code)
	}

	// No token
	req3 := httptest.NewRequest("GET", "/test", nil)
	w3 := httptest.NewRecorder()
	handler(w3, req3)

	if w3.Code != http.StatusUnauthorized {
		t.Errorf("missing token should reject, got %d", w3.Code)
	}
}

func TestAuthBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	users := []config.UserConfig{
		{Username: "admin", PasswordHash: string(hash), Role: RoleAdmin},
		{Username: "ops", PasswordHash: string(hash), Role: RoleViewer},
	}
	auth := NewAuthMiddleware("", users, testLogger())

	tests := []struct {
		name     string
		user     string
		password string
		admin    bool
		want     int
	}{
		{"admin on admin route", "admin", "hunter2", true, http.StatusOK},
		{"viewer on read route", "ops", "hunter2", false, http.StatusOK},
		{"viewer on admin route", "ops", "hunter2", true, http.StatusForbidden},
		{"wrong password", "admin", "nope", false, http.StatusUnauthorized},
		{"unknown user", "mallory", "hunter2", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := auth.RequireAuth(okHandler)
			if tt.admin {
				handler = auth.RequireAdmin(okHandler)
			}
			req := httptest.NewRequest("GET", "/test", nil)
			req.SetBasicAuth(tt.user, tt.password)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Body.String() != tt.user {
				t.Errorf("actor = %q, want %q", w.Body.String(), tt.user)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/api/v1/requests/aa:bb:cc:dd:ee:ff/approve", "/api/v1/requests/{mac}/approve"},
		{"/api/v1/requests/aa:bb:cc:dd:ee:ff/deny", "/api/v1/requests/{mac}/deny"},
		{"/api/v1/macvendor/aa:bb:cc", "/api/v1/macvendor/{mac}"},
		{"/api/v1/leases", "/api/v1/leases"},
		{"/metrics", "/metrics"},
		{"/favicon.ico", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
