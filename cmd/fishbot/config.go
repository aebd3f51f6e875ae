package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type config struct {
	StatusAddr       string
	WebsocketURL     string
	APIBaseURL       string
	CookiesFile      string
	BrowserStateFile string

	HistoryDSN string
	RecordsDSN string

	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	SystemPrompt string

	Workers       int
	QueueCapacity int
	ContextTurns  int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	LogLevel  string
	LogPretty bool
}

func defaultConfig() config {
	return config{
		StatusAddr:   "127.0.0.1:8765",
		WebsocketURL: "wss://wss-goofish.dingtalk.com/",
		CookiesFile:  "fishbot-cookies.json",
		LogLevel:     "info",
	}
}

// configSchema rejects unknown keys and malformed values before the file is
// applied, so a typo in the config file fails loudly instead of silently
// falling back to a default.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "statusAddr": {"type": "string"},
    "websocketUrl": {"type": "string", "pattern": "^wss?://"},
    "apiBaseUrl": {"type": "string", "pattern": "^https?://"},
    "cookiesFile": {"type": "string", "minLength": 1},
    "browserStateFile": {"type": "string"},
    "historyDsn": {"type": "string"},
    "recordsDsn": {"type": "string"},
    "llmBaseUrl": {"type": "string", "pattern": "^https?://"},
    "llmApiKey": {"type": "string"},
    "llmModel": {"type": "string"},
    "systemPrompt": {"type": "string"},
    "workers": {"type": "integer", "minimum": 1, "maximum": 64},
    "queueCapacity": {"type": "integer", "minimum": 1},
    "contextTurns": {"type": "integer", "minimum": 1, "maximum": 100},
    "heartbeatInterval": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ms|s|m|h)$"},
    "heartbeatTimeout": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ms|s|m|h)$"},
    "logLevel": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
    "logPretty": {"type": "boolean"}
  }
}`

type fileConfig struct {
	StatusAddr        *string `json:"statusAddr"`
	WebsocketURL      *string `json:"websocketUrl"`
	APIBaseURL        *string `json:"apiBaseUrl"`
	CookiesFile       *string `json:"cookiesFile"`
	BrowserStateFile  *string `json:"browserStateFile"`
	HistoryDSN        *string `json:"historyDsn"`
	RecordsDSN        *string `json:"recordsDsn"`
	LLMBaseURL        *string `json:"llmBaseUrl"`
	LLMAPIKey         *string `json:"llmApiKey"`
	LLMModel          *string `json:"llmModel"`
	SystemPrompt      *string `json:"systemPrompt"`
	Workers           *int    `json:"workers"`
	QueueCapacity     *int    `json:"queueCapacity"`
	ContextTurns      *int    `json:"contextTurns"`
	HeartbeatInterval *string `json:"heartbeatInterval"`
	HeartbeatTimeout  *string `json:"heartbeatTimeout"`
	LogLevel          *string `json:"logLevel"`
	LogPretty         *bool   `json:"logPretty"`
}

func loadConfig() (config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("FISHBOT_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := applyConfigFile(&cfg, raw); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.StatusAddr = strEnv("FISHBOT_STATUS_ADDR", cfg.StatusAddr)
	cfg.WebsocketURL = strEnv("FISHBOT_WS_URL", cfg.WebsocketURL)
	cfg.APIBaseURL = strEnv("FISHBOT_API_BASE_URL", cfg.APIBaseURL)
	cfg.CookiesFile = strEnv("FISHBOT_COOKIES_FILE", cfg.CookiesFile)
	cfg.BrowserStateFile = strEnv("FISHBOT_BROWSER_STATE_FILE", cfg.BrowserStateFile)
	cfg.HistoryDSN = strEnv("FISHBOT_HISTORY_DSN", cfg.HistoryDSN)
	cfg.RecordsDSN = strEnv("FISHBOT_RECORDS_DSN", cfg.RecordsDSN)
	cfg.LLMBaseURL = strEnv("FISHBOT_LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMAPIKey = strEnv("FISHBOT_LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMModel = strEnv("FISHBOT_LLM_MODEL", cfg.LLMModel)
	cfg.SystemPrompt = strEnv("FISHBOT_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.Workers = intEnv("FISHBOT_WORKERS", cfg.Workers)
	cfg.QueueCapacity = intEnv("FISHBOT_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.ContextTurns = intEnv("FISHBOT_CONTEXT_TURNS", cfg.ContextTurns)
	cfg.HeartbeatInterval = durationEnv("FISHBOT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = durationEnv("FISHBOT_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.LogLevel = strEnv("FISHBOT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = boolEnv("FISHBOT_LOG_PRETTY", cfg.LogPretty)

	if strings.TrimSpace(cfg.LLMBaseURL) == "" {
		return cfg, fmt.Errorf("llm base url is required (FISHBOT_LLM_BASE_URL or llmBaseUrl)")
	}
	return cfg, nil
}

func applyConfigFile(cfg *config, raw []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("parsing embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fishbot-config.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("fishbot-config.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return err
	}
	setStr(&cfg.StatusAddr, fc.StatusAddr)
	setStr(&cfg.WebsocketURL, fc.WebsocketURL)
	setStr(&cfg.APIBaseURL, fc.APIBaseURL)
	setStr(&cfg.CookiesFile, fc.CookiesFile)
	setStr(&cfg.BrowserStateFile, fc.BrowserStateFile)
	setStr(&cfg.HistoryDSN, fc.HistoryDSN)
	setStr(&cfg.RecordsDSN, fc.RecordsDSN)
	setStr(&cfg.LLMBaseURL, fc.LLMBaseURL)
	setStr(&cfg.LLMAPIKey, fc.LLMAPIKey)
	setStr(&cfg.LLMModel, fc.LLMModel)
	setStr(&cfg.SystemPrompt, fc.SystemPrompt)
	setInt(&cfg.Workers, fc.Workers)
	setInt(&cfg.QueueCapacity, fc.QueueCapacity)
	setInt(&cfg.ContextTurns, fc.ContextTurns)
	setStr(&cfg.LogLevel, fc.LogLevel)
	if fc.LogPretty != nil {
		cfg.LogPretty = *fc.LogPretty
	}
	if fc.HeartbeatInterval != nil {
		cfg.HeartbeatInterval, err = time.ParseDuration(*fc.HeartbeatInterval)
		if err != nil {
			return err
		}
	}
	if fc.HeartbeatTimeout != nil {
		cfg.HeartbeatTimeout, err = time.ParseDuration(*fc.HeartbeatTimeout)
		if err != nil {
			return err
		}
	}
	return nil
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func strEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
