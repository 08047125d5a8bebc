// Package config loads the relay's runtime configuration from environment
// variables, os.Getenv plus a godotenv.Load call, with field names and
// defaults translated from original_source's pydantic Settings (config.py).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the relay's runtime configuration. spec.md §6 marks these
// names as "illustrative"; defaults below match the original source where
// it gives a concrete value, and spec.md's own illustrative value where
// the two disagree (see DESIGN.md on heartbeat_timeout_s).
type Config struct {
	OpenAIAPIKey        string
	OpenAIRealtimeModel string
	WhisperModel        string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	RelayServerHost string
	RelayServerPort int

	DatabaseURL string

	MaxCallDurationMs int64
	CallWarningMs     int64

	RecipientAnswerTimeoutS time.Duration
	UserSilenceTimeoutS     time.Duration

	RecoveryMaxAttempts        int
	RecoveryInitialBackoffS    time.Duration
	RecoveryMaxBackoffS        time.Duration
	RecoveryBackoffMultiplier  float64
	RecoveryTimeoutS           time.Duration
	HeartbeatIntervalS         time.Duration
	HeartbeatTimeoutS          time.Duration

	RingBufferCapacitySlots int

	LocalVADRMSThreshold    float64
	LocalVADSpeechThreshold float64
	LocalVADSilenceThreshold float64
	LocalVADMinSpeechFrames int
	LocalVADMinSilenceFrames int

	EchoBreakthroughRMS float64
	EchoCooldownCeilingS time.Duration

	SessionBVADThreshold        float64
	SessionBVADSilenceMs        int
	SessionBVADPrefixPaddingMs  int

	MinSpeechMs int
	MaxSpeechMs int

	DegradedBatchS          time.Duration
	RecipientSpeechCooldownS time.Duration
	ResponseDebounceMs      int
	PersistDebounceS        time.Duration

	GuardrailEnabled            bool
	GuardrailFallbackModel      string
	GuardrailFallbackTimeoutMs  int
}

// Default returns a Config populated with the module's defaults before any
// environment overrides are applied.
func Default() Config {
	return Config{
		OpenAIRealtimeModel: "gpt-4o-realtime-preview",
		WhisperModel:        "whisper-1",

		RelayServerHost: "0.0.0.0",
		RelayServerPort: 8000,

		MaxCallDurationMs: 600_000,
		CallWarningMs:     480_000,

		RecipientAnswerTimeoutS: 15 * time.Second,
		UserSilenceTimeoutS:     10 * time.Second,

		RecoveryMaxAttempts:       5,
		RecoveryInitialBackoffS:   1 * time.Second,
		RecoveryMaxBackoffS:       30 * time.Second,
		RecoveryBackoffMultiplier: 2.0,
		RecoveryTimeoutS:          10 * time.Second,
		HeartbeatIntervalS:        5 * time.Second,
		// spec.md §4.12 states "heartbeat_timeout_s (e.g. 120 s)" explicitly;
		// original_source's config.py default (5.0s) is tuned for a much
		// chattier local dev session. spec.md is authoritative here — see
		// DESIGN.md Open Question resolution.
		HeartbeatTimeoutS: 120 * time.Second,

		RingBufferCapacitySlots: 1500,

		LocalVADRMSThreshold:     150.0,
		LocalVADSpeechThreshold:  0.5,
		LocalVADSilenceThreshold: 0.35,
		LocalVADMinSpeechFrames:  2,
		LocalVADMinSilenceFrames: 15,

		EchoBreakthroughRMS:  400.0,
		EchoCooldownCeilingS: 2 * time.Second,

		SessionBVADThreshold:       0.5,
		SessionBVADSilenceMs:       700,
		SessionBVADPrefixPaddingMs: 300,

		MinSpeechMs: 400,
		MaxSpeechMs: 30_000,

		DegradedBatchS:           3 * time.Second,
		RecipientSpeechCooldownS: 1500 * time.Millisecond,
		ResponseDebounceMs:       300,
		PersistDebounceS:         5 * time.Second,

		GuardrailEnabled:           true,
		GuardrailFallbackModel:     "gpt-4o-mini",
		GuardrailFallbackTimeoutMs: 2000,
	}
}

// Load reads a .env file if present, then overlays environment variables
// onto Default().
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIRealtimeModel = getEnv("OPENAI_REALTIME_MODEL", cfg.OpenAIRealtimeModel)
	cfg.WhisperModel = getEnv("WHISPER_MODEL", cfg.WhisperModel)
	cfg.TwilioAccountSID = getEnv("TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID)
	cfg.TwilioAuthToken = getEnv("TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken)
	cfg.TwilioPhoneNumber = getEnv("TWILIO_PHONE_NUMBER", cfg.TwilioPhoneNumber)
	cfg.RelayServerHost = getEnv("RELAY_SERVER_HOST", cfg.RelayServerHost)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.RelayServerPort = getEnvInt("RELAY_SERVER_PORT", cfg.RelayServerPort)
	cfg.MaxCallDurationMs = getEnvInt64("MAX_CALL_DURATION_MS", cfg.MaxCallDurationMs)
	cfg.CallWarningMs = getEnvInt64("CALL_WARNING_MS", cfg.CallWarningMs)
	cfg.RecoveryMaxAttempts = getEnvInt("RECOVERY_MAX_ATTEMPTS", cfg.RecoveryMaxAttempts)
	cfg.RingBufferCapacitySlots = getEnvInt("RING_BUFFER_CAPACITY_SLOTS", cfg.RingBufferCapacitySlots)
	cfg.GuardrailEnabled = getEnvBool("GUARDRAIL_ENABLED", cfg.GuardrailEnabled)
	cfg.GuardrailFallbackModel = getEnv("GUARDRAIL_FALLBACK_MODEL", cfg.GuardrailFallbackModel)

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
