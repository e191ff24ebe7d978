package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the stella service and the voice client.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`

	OpenAIAPIKey  string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	RealtimeURL   string `yaml:"realtime_url"`
	RealtimeModel string `yaml:"realtime_model"`
	RealtimeVoice string `yaml:"realtime_voice"`
	Instructions  string `yaml:"instructions"`

	DeepgramAPIKey  string `yaml:"-"`
	DeepgramBaseURL string `yaml:"deepgram_base_url"`
	DeepgramModel   string `yaml:"deepgram_model"`

	DatabaseURL     string        `yaml:"-"`
	RedisURL        string        `yaml:"-"`
	RelatedCacheTTL time.Duration `yaml:"related_cache_ttl"`

	// Voice client settings.
	ServiceURL        string        `yaml:"service_url"`
	UserID            string        `yaml:"user_id"`
	LocalStorePath    string        `yaml:"local_store_path"`
	LiveSTTURL        string        `yaml:"live_stt_url"`
	LiveSTTAPIKey     string        `yaml:"-"`
	LiveSTTModel      string        `yaml:"live_stt_model"`
	SampleRate        int           `yaml:"sample_rate"`
	MinRecording      time.Duration `yaml:"min_recording"`
	MinUploadBytes    int           `yaml:"min_upload_bytes"`
	ContextMatchLimit int           `yaml:"context_match_limit"`
}

// Load applies defaults, then the optional YAML file named by STELLA_CONFIG,
// then environment variables.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "stella",
		LogLevel:          "info",
		LogFormat:         "text",
		OpenAIBaseURL:     "https://api.openai.com",
		RealtimeURL:       "wss://api.openai.com/v1/realtime",
		RealtimeModel:     "gpt-realtime",
		RealtimeVoice:     "marin",
		Instructions:      DefaultInstructions,
		DeepgramBaseURL:   "https://api.deepgram.com",
		DeepgramModel:     "nova-2",
		RelatedCacheTTL:   5 * time.Minute,
		ServiceURL:        "http://localhost:8080",
		LocalStorePath:    "stella.db",
		LiveSTTModel:      "scribe_v2_realtime",
		SampleRate:        24000,
		MinRecording:      200 * time.Millisecond,
		MinUploadBytes:    8000,
		ContextMatchLimit: 3,
	}

	if path := stringsTrimSpace("STELLA_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.RealtimeURL = envOrDefault("REALTIME_URL", cfg.RealtimeURL)
	cfg.RealtimeModel = envOrDefault("REALTIME_MODEL", cfg.RealtimeModel)
	cfg.RealtimeVoice = envOrDefault("REALTIME_VOICE", cfg.RealtimeVoice)
	cfg.DeepgramAPIKey = stringsTrimSpace("DEEPGRAM_API_KEY")
	cfg.DeepgramBaseURL = envOrDefault("DEEPGRAM_BASE_URL", cfg.DeepgramBaseURL)
	cfg.DeepgramModel = envOrDefault("DEEPGRAM_MODEL", cfg.DeepgramModel)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	cfg.RedisURL = stringsTrimSpace("REDIS_URL")
	cfg.ServiceURL = envOrDefault("STELLA_SERVICE_URL", cfg.ServiceURL)
	cfg.UserID = envOrDefault("STELLA_USER_ID", cfg.UserID)
	cfg.LocalStorePath = envOrDefault("STELLA_LOCAL_STORE", cfg.LocalStorePath)
	cfg.LiveSTTURL = envOrDefault("LIVE_STT_URL", cfg.LiveSTTURL)
	cfg.LiveSTTAPIKey = stringsTrimSpace("LIVE_STT_API_KEY")
	cfg.LiveSTTModel = envOrDefault("LIVE_STT_MODEL", cfg.LiveSTTModel)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelatedCacheTTL, err = durationFromEnv("RELATED_CACHE_TTL", cfg.RelatedCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("STELLA_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MinRecording, err = durationFromEnv("STELLA_MIN_RECORDING", cfg.MinRecording)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUploadBytes, err = intFromEnv("STELLA_MIN_UPLOAD_BYTES", cfg.MinUploadBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMatchLimit, err = intFromEnv("STELLA_CONTEXT_MATCH_LIMIT", cfg.ContextMatchLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("STELLA_SAMPLE_RATE must be positive")
	}
	if cfg.MinRecording < 0 {
		return Config{}, fmt.Errorf("STELLA_MIN_RECORDING must be >= 0")
	}
	if cfg.MinUploadBytes < 0 {
		return Config{}, fmt.Errorf("STELLA_MIN_UPLOAD_BYTES must be >= 0")
	}
	if cfg.ContextMatchLimit < 1 || cfg.ContextMatchLimit > 10 {
		return Config{}, fmt.Errorf("STELLA_CONTEXT_MATCH_LIMIT must be between 1 and 10")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

// DefaultInstructions is the companion persona sent with every realtime session.
const DefaultInstructions = "You are a calm, supportive voice companion. Your goal is to help the user feel less overwhelmed. " +
	"Do not rush. Do not give lists unless asked. Prefer reflection over advice. " +
	"Use the available tools to log emotional state, externalize thoughts, park worries and save sessions when it helps the user."

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
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
