package ai

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetSignedStreamURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversation/get_signed_url" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("agent_id") != "agent_1" {
			t.Errorf("agent_id = %q", r.URL.Query().Get("agent_id"))
		}
		if r.Header.Get("xi-api-key") != "key_1" {
			t.Errorf("api key header = %q", r.Header.Get("xi-api-key"))
		}
		fmt.Fprint(w, `{"signed_url":"wss://ai.example.com/session?token=abc"}`)
	}))
	defer srv.Close()

	c := NewClient("agent_1", "key_1", discardLogger(), WithBaseURL(srv.URL))
	got, err := c.GetSignedStreamURL(context.Background())
	if err != nil {
		t.Fatalf("GetSignedStreamURL() error: %v", err)
	}
	if got != "wss://ai.example.com/session?token=abc" {
		t.Errorf("url = %q", got)
	}
}

func TestGetSignedStreamURLErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"empty url", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"signed_url":""}`)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `not json`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient("agent_1", "key_1", discardLogger(), WithBaseURL(srv.URL))
			if _, err := c.GetSignedStreamURL(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookSignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{"type":"post_call_transcription"}`)
	header := signBody("hook-secret", now.Unix(), body)

	if err := VerifyWebhookSignature("hook-secret", header, body, now); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name   string
		secret string
		header string
		body   []byte
		now    time.Time
	}{
		{"wrong secret", "other", header, body, now},
		{"tampered body", "hook-secret", header, []byte(`{}`), now},
		{"missing parts", "hook-secret", "v0=abc", body, now},
		{"bad timestamp", "hook-secret", "t=xyz,v0=abc", body, now},
		{"stale timestamp", "hook-secret", signBody("hook-secret", now.Add(-time.Hour).Unix(), body), body, now},
		{"empty secret", "", header, body, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyWebhookSignature(tt.secret, tt.header, tt.body, tt.now); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}
