package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsGet(t *testing.T, handler http.Handler, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestCORSOriginMatching(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name      string
		allowed   []string
		origin    string
		wantAllow string
		wantVary  string
	}{
		{"listed origin", []string{"https://dashboard.voice.test"}, "https://dashboard.voice.test", "https://dashboard.voice.test", "Origin"},
		{"second of two origins", []string{"https://dashboard.voice.test", "https://staging.voice.test"}, "https://staging.voice.test", "https://staging.voice.test", "Origin"},
		{"unlisted origin", []string{"https://dashboard.voice.test"}, "https://evil.voice.test", "", ""},
		{"wildcard", []string{"*"}, "https://anywhere.voice.test", "*", ""},
		{"no origin header", []string{"https://dashboard.voice.test"}, "", "", ""},
		{"empty allow list", nil, "https://dashboard.voice.test", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := corsGet(t, CORS(tt.allowed)(ok), tt.origin)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if got := rr.Header().Get("Vary"); got != tt.wantVary {
				t.Errorf("Vary = %q, want %q", got, tt.wantVary)
			}
		})
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	handler := CORS([]string{"https://dashboard.voice.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the next handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/campaigns", nil)
	req.Header.Set("Origin", "https://dashboard.voice.test")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight response is missing Allow-Methods")
	}
	if got := rr.Header().Get("Access-Control-Max-Age"); got != corsMaxAge {
		t.Errorf("Max-Age = %q, want %q", got, corsMaxAge)
	}
}

func TestParseCORSOrigins(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"https://dashboard.voice.test", []string{"https://dashboard.voice.test"}},
		{"https://a.test, https://b.test ,https://c.test", []string{"https://a.test", "https://b.test", "https://c.test"}},
		{"*", []string{"*"}},
	}
	for _, tt := range tests {
		got := ParseCORSOrigins(tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("ParseCORSOrigins(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseCORSOrigins(%q)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
			}
		}
	}
}
