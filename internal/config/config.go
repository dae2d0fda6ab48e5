package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	HeartbeatInterval        time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	APIToken       string

	ModelWSURL       string
	ModelID          string
	ModelDialTimeout time.Duration

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	FederationURL       string
	FederationAuthToken string

	InputSampleRate  int
	OutputSampleRate int
	VADThreshold     float64
	EOUSilence       time.Duration
	InitialSilence   time.Duration
	PacerInterval    time.Duration
	QueueDepthLimit  int
	RestartDelay     time.Duration
	CaptureDumpDir   string

	DefaultVoiceID     string
	DefaultTemperature float64
	DefaultTopP        float64
	DefaultMaxTokens   int
	SystemPrompt       string
	KickoffPrompt      string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aulavoz"),
		AllowAnyOrigin:   false,
		APIToken:         stringsTrimSpace("APP_API_TOKEN"),

		ModelWSURL: envOrDefault("MODEL_WS_URL", "wss://bedrock-runtime.us-east-1.amazonaws.com/voice"),
		ModelID:    envOrDefault("MODEL_ID", "amazon.nova-sonic-v1:0"),

		AWSAccessKeyID:     stringsTrimSpace("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: stringsTrimSpace("AWS_SECRET_ACCESS_KEY"),
		AWSSessionToken:    stringsTrimSpace("AWS_SESSION_TOKEN"),

		FederationURL:       stringsTrimSpace("CREDENTIAL_FEDERATION_URL"),
		FederationAuthToken: stringsTrimSpace("CREDENTIAL_FEDERATION_TOKEN"),

		CaptureDumpDir: stringsTrimSpace("VOICE_CAPTURE_DUMP_DIR"),

		DefaultVoiceID: envOrDefault("VOICE_ID", "matthew"),
		SystemPrompt:   stringsTrimSpace("VOICE_SYSTEM_PROMPT"),
		KickoffPrompt:  stringsTrimSpace("VOICE_KICKOFF_PROMPT"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		JanitorInterval:          5 * time.Second,
		HeartbeatInterval:        20 * time.Second,
		ModelDialTimeout:         15 * time.Second,
		InputSampleRate:          16000,
		OutputSampleRate:         24000,
		VADThreshold:             0.015,
		EOUSilence:               1200 * time.Millisecond,
		InitialSilence:           4 * time.Second,
		PacerInterval:            50 * time.Millisecond,
		QueueDepthLimit:          16,
		RestartDelay:             500 * time.Millisecond,
		DefaultTemperature:       0.7,
		DefaultTopP:              0.9,
		DefaultMaxTokens:         1024,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelDialTimeout, err = durationFromEnv("MODEL_DIAL_TIMEOUT", cfg.ModelDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("VOICE_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("VOICE_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VOICE_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.EOUSilence, err = durationFromEnv("VOICE_EOU_SILENCE", cfg.EOUSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.InitialSilence, err = durationFromEnv("VOICE_INITIAL_SILENCE_TIMEOUT", cfg.InitialSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.PacerInterval, err = durationFromEnv("VOICE_PACER_INTERVAL", cfg.PacerInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueDepthLimit, err = intFromEnv("VOICE_QUEUE_DEPTH_LIMIT", cfg.QueueDepthLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartDelay, err = durationFromEnv("VOICE_RESTART_DELAY", cfg.RestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTemperature, err = floatFromEnv("VOICE_TEMPERATURE", cfg.DefaultTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTopP, err = floatFromEnv("VOICE_TOP_P", cfg.DefaultTopP)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultMaxTokens, err = intFromEnv("VOICE_MAX_TOKENS", cfg.DefaultMaxTokens)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold >= 1 {
		return Config{}, fmt.Errorf("VOICE_VAD_THRESHOLD must be in (0, 1)")
	}
	if cfg.EOUSilence <= 0 || cfg.InitialSilence <= 0 {
		return Config{}, fmt.Errorf("silence timeouts must be positive")
	}
	if cfg.QueueDepthLimit <= 0 {
		return Config{}, fmt.Errorf("VOICE_QUEUE_DEPTH_LIMIT must be positive")
	}
	if cfg.DefaultMaxTokens <= 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_TOKENS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
