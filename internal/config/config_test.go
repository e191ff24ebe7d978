package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MinRecording != 200*time.Millisecond {
		t.Fatalf("MinRecording = %v, want 200ms", cfg.MinRecording)
	}
	if cfg.MinUploadBytes != 8000 {
		t.Fatalf("MinUploadBytes = %d, want 8000", cfg.MinUploadBytes)
	}
	if cfg.ContextMatchLimit != 3 {
		t.Fatalf("ContextMatchLimit = %d, want 3", cfg.ContextMatchLimit)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("OpenAIAPIKey = %q, want empty default", cfg.OpenAIAPIKey)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "stella.yaml")
	content := "bind_addr: \":7070\"\nrealtime_voice: verse\nrelated_cache_ttl: 90s\nmin_upload_bytes: 4000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STELLA_CONFIG", path)
	t.Setenv("REALTIME_VOICE", "alloy")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want value from file", cfg.BindAddr)
	}
	if cfg.RealtimeVoice != "alloy" {
		t.Fatalf("RealtimeVoice = %q, want env override", cfg.RealtimeVoice)
	}
	if cfg.RelatedCacheTTL != 90*time.Second {
		t.Fatalf("RelatedCacheTTL = %v, want 90s", cfg.RelatedCacheTTL)
	}
	if cfg.MinUploadBytes != 4000 {
		t.Fatalf("MinUploadBytes = %d, want 4000", cfg.MinUploadBytes)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STELLA_SAMPLE_RATE":         "0",
		"STELLA_CONTEXT_MATCH_LIMIT": "11",
		"APP_SHUTDOWN_TIMEOUT":       "soon",
		"APP_ALLOW_ANY_ORIGIN":       "maybe",
		"LOG_FORMAT":                 "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STELLA_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing file error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"STELLA_CONFIG",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"REALTIME_URL",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_BASE_URL",
		"DEEPGRAM_MODEL",
		"DATABASE_URL",
		"REDIS_URL",
		"RELATED_CACHE_TTL",
		"STELLA_SERVICE_URL",
		"STELLA_USER_ID",
		"STELLA_LOCAL_STORE",
		"LIVE_STT_URL",
		"LIVE_STT_API_KEY",
		"LIVE_STT_MODEL",
		"STELLA_SAMPLE_RATE",
		"STELLA_MIN_RECORDING",
		"STELLA_MIN_UPLOAD_BYTES",
		"STELLA_CONTEXT_MATCH_LIMIT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
