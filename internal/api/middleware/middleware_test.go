package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apiContext "signet/internal/api/context"
	"signet/internal/pkg/ratelimit"
	"signet/internal/platform/auth"
	"signet/internal/platform/config"
)

func newTokenService(t *testing.T) *auth.TokenService {
	t.Helper()
	svc, err := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", Issuer: "signet", AccessTokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create token service: %v", err)
	}
	return svc
}

func TestAuthMiddleware(t *testing.T) {
	tokens := newTokenService(t)
	mw := NewAuthMiddleware(tokens)
	valid, _ := tokens.GenerateAccessToken("usr_1", auth.RoleOperator, "ops@example.com")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			mw.Handle(func(w http.ResponseWriter, r *http.Request) {
				claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
				if claims.UserID != "usr_1" {
					t.Errorf("Expected usr_1, got %s", claims.UserID)
				}
				w.WriteHeader(http.StatusOK)
			})(rr, req)

			if rr.Code != tt.want {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tokens := newTokenService(t)
	mw := NewAuthMiddleware(tokens)
	handler := mw.Handle(RequireRole(auth.RoleAdmin, auth.RoleOperator)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		role string
		want int
	}{
		{auth.RoleAdmin, http.StatusNoContent},
		{auth.RoleOperator, http.StatusNoContent},
		{auth.RoleViewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			token, _ := tokens.GenerateAccessToken("usr_1", tt.role, "")
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			handler(rr, req)
			if rr.Code != tt.want {
				t.Errorf("got %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(ratelimit.New(), config.RateLimitConfig{APIReadPerMinute: 2, APIWritePerMinute: 1})
	handler := rl.Limit(LimitRead)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		rr := httptest.NewRecorder()
		handler(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:5000"
	rr := httptest.NewRecorder()
	handler(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("second client got %d", rr.Code)
	}
}
