package config

import (
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil, envFrom(nil))
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.DefaultMaxConcurrent != 5 {
		t.Errorf("DefaultMaxConcurrent = %d, want 5", cfg.DefaultMaxConcurrent)
	}
	if cfg.DefaultCallDelay != 10*time.Second {
		t.Errorf("DefaultCallDelay = %v, want 10s", cfg.DefaultCallDelay)
	}
	if cfg.InactivityTimeout != 60*time.Second {
		t.Errorf("InactivityTimeout = %v, want 60s", cfg.InactivityTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	env := map[string]string{
		"HTTP_PORT":                       "9090",
		"TELEPHONY_ACCOUNT_SID":           "AC123",
		"TELEPHONY_AUTH_TOKEN":            "tok",
		"TELEPHONY_PHONE_NUMBER":          "+15550001111",
		"AI_AGENT_ID":                     "agent-1",
		"AI_API_KEY":                      "key",
		"SERVER_PUBLIC_URL":               "https://calls.example.com",
		"CAMPAIGN_DEFAULT_MAX_CONCURRENT": "3",
		"CAMPAIGN_DEFAULT_CALL_DELAY_MS":  "5000",
		"CALL_INACTIVITY_TIMEOUT_MS":      "30000",
		"LOG_FORMAT":                      "json",
	}

	cfg, err := load(nil, envFrom(env))
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.TelephonyAccountSID != "AC123" {
		t.Errorf("TelephonyAccountSID = %q, want AC123", cfg.TelephonyAccountSID)
	}
	if cfg.DefaultMaxConcurrent != 3 {
		t.Errorf("DefaultMaxConcurrent = %d, want 3", cfg.DefaultMaxConcurrent)
	}
	if cfg.DefaultCallDelay != 5*time.Second {
		t.Errorf("DefaultCallDelay = %v, want 5s", cfg.DefaultCallDelay)
	}
	if cfg.InactivityTimeout != 30*time.Second {
		t.Errorf("InactivityTimeout = %v, want 30s", cfg.InactivityTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	env := map[string]string{"HTTP_PORT": "9090"}

	cfg, err := load([]string{"-http-port", "7070"}, envFrom(env))
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070 (flag should beat env)", cfg.HTTPPort)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port out of range", []string{"-http-port", "70000"}},
		{"zero concurrency", []string{"-default-max-concurrent", "0"}},
		{"call delay below floor", []string{"-default-call-delay-ms", "100"}},
		{"inactivity below floor", []string{"-call-inactivity-timeout-ms", "500"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad log format", []string{"-log-format", "xml"}},
		{"relative public url", []string{"-public-url", "calls.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args, envFrom(nil)); err == nil {
				t.Errorf("load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestMediaStreamURL(t *testing.T) {
	tests := []struct {
		publicURL string
		want      string
	}{
		{"https://calls.example.com", "wss://calls.example.com/outbound-media-stream"},
		{"https://calls.example.com/", "wss://calls.example.com/outbound-media-stream"},
		{"http://localhost:8080", "ws://localhost:8080/outbound-media-stream"},
	}

	for _, tt := range tests {
		cfg := &Config{PublicURL: tt.publicURL}
		if got := cfg.MediaStreamURL(); got != tt.want {
			t.Errorf("MediaStreamURL(%q) = %q, want %q", tt.publicURL, got, tt.want)
		}
	}
}
