package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FISHBOT_CONFIG", "")
	t.Setenv("FISHBOT_LLM_BASE_URL", "https://llm.test")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StatusAddr != "127.0.0.1:8765" {
		t.Errorf("StatusAddr = %q", cfg.StatusAddr)
	}
	if cfg.WebsocketURL != "wss://wss-goofish.dingtalk.com/" {
		t.Errorf("WebsocketURL = %q", cfg.WebsocketURL)
	}
	if cfg.CookiesFile != "fishbot-cookies.json" {
		t.Errorf("CookiesFile = %q", cfg.CookiesFile)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadConfigRequiresLLMBaseURL(t *testing.T) {
	t.Setenv("FISHBOT_CONFIG", "")
	t.Setenv("FISHBOT_LLM_BASE_URL", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error without an llm base url")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"llmBaseUrl": "https://llm.test/v1",
		"llmModel": "qwen-plus",
		"workers": 5,
		"heartbeatInterval": "20s",
		"logPretty": true
	}`)
	t.Setenv("FISHBOT_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LLMBaseURL != "https://llm.test/v1" || cfg.LLMModel != "qwen-plus" {
		t.Errorf("llm = %q/%q", cfg.LLMBaseURL, cfg.LLMModel)
	}
	if cfg.Workers != 5 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty = false")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{"llmBaseUrl": "https://file.test", "workers": 5}`)
	t.Setenv("FISHBOT_CONFIG", path)
	t.Setenv("FISHBOT_LLM_BASE_URL", "https://env.test")
	t.Setenv("FISHBOT_WORKERS", "7")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LLMBaseURL != "https://env.test" {
		t.Errorf("LLMBaseURL = %q", cfg.LLMBaseURL)
	}
	if cfg.Workers != 7 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `{"llmBaseUrl": "https://llm.test", "wrokers": 5}`)
	t.Setenv("FISHBOT_CONFIG", path)

	_, err := loadConfig()
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "wrokers") && !strings.Contains(err.Error(), "additional") {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigFileRejectsBadValues(t *testing.T) {
	cases := []string{
		`{"llmBaseUrl": "ftp://nope"}`,
		`{"llmBaseUrl": "https://llm.test", "workers": 0}`,
		`{"llmBaseUrl": "https://llm.test", "heartbeatInterval": "soon"}`,
		`{"llmBaseUrl": "https://llm.test", "logLevel": "loud"}`,
	}
	for _, body := range cases {
		path := writeConfigFile(t, body)
		t.Setenv("FISHBOT_CONFIG", path)
		if _, err := loadConfig(); err == nil {
			t.Fatalf("config %s: expected validation error", body)
		}
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("FISHBOT_TEST_INT_BAD", "not-a-number")
	if got := intEnv("FISHBOT_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("FISHBOT_TEST_DURATION", "150ms")
	if got := durationEnv("FISHBOT_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestBoolEnvParsesValue(t *testing.T) {
	t.Setenv("FISHBOT_TEST_BOOL", "true")
	if !boolEnv("FISHBOT_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FISHBOT_TEST_BOOL", "maybe")
	if boolEnv("FISHBOT_TEST_BOOL", false) {
		t.Fatal("expected fallback false")
	}
}
