package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBearerAuth(t *testing.T) {
	h := BearerAuth(func(token string) (Identity, bool) {
		if token == "good" {
			return Identity{ID: "u1", Name: "Ann"}, true
		}
		return Identity{}, false
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUserID(r.Context()) + "/" + GetUserName(r.Context())))
	}))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"Valid", "Bearer good", http.StatusOK, "u1/Ann"},
		{"Unknown", "Bearer bad", http.StatusUnauthorized, ""},
		{"Missing", "", http.StatusUnauthorized, ""},
		{"WrongScheme", "Basic good", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := BearerAuth(func(token string) (Identity, bool) { return Identity{ID: token}, true })(
		RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := do("u1"); code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if code := do("u1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", code)
	}
	if code := do("u2"); code != http.StatusOK {
		t.Fatalf("other user = %d", code)
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abcdefgh"); got != "abcd***" {
		t.Errorf("MaskToken = %q", got)
	}
	if got := MaskToken("abc"); got != "****" {
		t.Errorf("MaskToken short = %q", got)
	}
}
