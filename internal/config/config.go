package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voice platform server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// Telephony provider credentials and default caller id.
	TelephonyAccountSID string
	TelephonyAuthToken  string
	TelephonyNumber     string
	TelephonyAPIBase    string // override for tests; empty means the provider default

	// AI conversation provider.
	AIAgentID       string
	AIAPIKey        string
	AIAPIBase       string // override for tests; empty means the provider default
	AIWebhookSecret string // HMAC secret for post-call webhooks; empty disables verification

	// PublicURL is the externally reachable base URL of this server. The
	// provider fetches call-control documents and opens media streams
	// against it, so it must be https in production.
	PublicURL string

	// Campaign engine defaults, overridable per campaign.
	DefaultMaxConcurrent int
	DefaultCallDelay     time.Duration

	// InactivityTimeout tears down a media bridge with no WebSocket
	// traffic on either socket for this long.
	InactivityTimeout time.Duration

	// CORSOrigins is the comma-separated list of dashboard origins
	// allowed to call the control API. Empty disables CORS.
	CORSOrigins string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultMaxConcurrent = 5
	defaultCallDelayMS   = 10000
	defaultInactivityMS  = 60000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"

	// minCallDelayMS is the floor for the campaign cycle interval; shorter
	// intervals risk provider rate limits.
	minCallDelayMS = 1000
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voiceserver", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TelephonyAccountSID, "telephony-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.TelephonyAuthToken, "telephony-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.TelephonyNumber, "telephony-phone-number", "", "default caller id in E.164 form")
	fs.StringVar(&cfg.TelephonyAPIBase, "telephony-api-base", "", "telephony API base URL override (testing)")
	fs.StringVar(&cfg.AIAgentID, "ai-agent-id", "", "conversational AI agent id")
	fs.StringVar(&cfg.AIAPIKey, "ai-api-key", "", "conversational AI API key")
	fs.StringVar(&cfg.AIAPIBase, "ai-api-base", "", "AI API base URL override (testing)")
	fs.StringVar(&cfg.AIWebhookSecret, "ai-webhook-secret", "", "HMAC secret for AI post-call webhooks (empty disables verification)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL of this server")
	fs.IntVar(&cfg.DefaultMaxConcurrent, "default-max-concurrent", defaultMaxConcurrent, "default max concurrent calls per campaign")
	callDelayMS := fs.Int("default-call-delay-ms", defaultCallDelayMS, "default campaign cycle interval in milliseconds")
	inactivityMS := fs.Int("call-inactivity-timeout-ms", defaultInactivityMS, "media bridge inactivity timeout in milliseconds")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated dashboard origins allowed by CORS (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, callDelayMS, inactivityMS, lookupEnv)

	cfg.DefaultCallDelay = time.Duration(*callDelayMS) * time.Millisecond
	cfg.InactivityTimeout = time.Duration(*inactivityMS) * time.Millisecond

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, callDelayMS, inactivityMS *int, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                   "DATA_DIR",
		"http-port":                  "HTTP_PORT",
		"telephony-account-sid":      "TELEPHONY_ACCOUNT_SID",
		"telephony-auth-token":       "TELEPHONY_AUTH_TOKEN",
		"telephony-phone-number":     "TELEPHONY_PHONE_NUMBER",
		"telephony-api-base":         "TELEPHONY_API_BASE",
		"ai-agent-id":                "AI_AGENT_ID",
		"ai-api-key":                 "AI_API_KEY",
		"ai-api-base":                "AI_API_BASE",
		"ai-webhook-secret":          "AI_WEBHOOK_SECRET",
		"public-url":                 "SERVER_PUBLIC_URL",
		"default-max-concurrent":     "CAMPAIGN_DEFAULT_MAX_CONCURRENT",
		"default-call-delay-ms":      "CAMPAIGN_DEFAULT_CALL_DELAY_MS",
		"call-inactivity-timeout-ms": "CALL_INACTIVITY_TIMEOUT_MS",
		"cors-origins":               "CORS_ORIGINS",
		"log-level":                  "LOG_LEVEL",
		"log-format":                 "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "telephony-account-sid":
			cfg.TelephonyAccountSID = val
		case "telephony-auth-token":
			cfg.TelephonyAuthToken = val
		case "telephony-phone-number":
			cfg.TelephonyNumber = val
		case "telephony-api-base":
			cfg.TelephonyAPIBase = val
		case "ai-agent-id":
			cfg.AIAgentID = val
		case "ai-api-key":
			cfg.AIAPIKey = val
		case "ai-api-base":
			cfg.AIAPIBase = val
		case "ai-webhook-secret":
			cfg.AIWebhookSecret = val
		case "public-url":
			cfg.PublicURL = val
		case "default-max-concurrent":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DefaultMaxConcurrent = v
			}
		case "default-call-delay-ms":
			if v, err := strconv.Atoi(val); err == nil {
				*callDelayMS = v
			}
		case "call-inactivity-timeout-ms":
			if v, err := strconv.Atoi(val); err == nil {
				*inactivityMS = v
			}
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("default-max-concurrent must be at least 1, got %d", c.DefaultMaxConcurrent)
	}
	if c.DefaultCallDelay < minCallDelayMS*time.Millisecond {
		return fmt.Errorf("default-call-delay-ms must be at least %d, got %d", minCallDelayMS, c.DefaultCallDelay.Milliseconds())
	}
	if c.InactivityTimeout < time.Second {
		return fmt.Errorf("call-inactivity-timeout-ms must be at least 1000, got %d", c.InactivityTimeout.Milliseconds())
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public-url must be an absolute URL, got %q", c.PublicURL)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaStreamURL returns the wss:// URL the telephony provider should open
// its media stream against.
func (c *Config) MediaStreamURL() string {
	u := strings.TrimSuffix(c.PublicURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/outbound-media-stream"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
