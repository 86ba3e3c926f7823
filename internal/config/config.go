// Package config provides environment configuration for the relay and the chat client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/llm"
	"github.com/capitalize-ai/chatweb/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Access control
	AuthSecret string

	// Upstream LLM settings
	LLMProvider     string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LLMBaseURL      string
	LLMModel        string
	LLMMaxTokens    int
	LLMTimeout      time.Duration

	// Relay behaviour
	RelayMode               string
	RelayMaxContextMessages int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// NATS settings; an empty URL disables the exchange journal
	NATSURL        string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string
	NATSJournalAge time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Chat client
	ChatAPIURL   string
	ChatToken    string
	SettingsFile string

	// Storage
	KVBackend     string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "3002"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),

		// Access control
		AuthSecret: getEnv("AUTH_SECRET_KEY", ""),

		// LLM
		LLMProvider:     getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMBaseURL:      getEnv("LLM_BASE_URL", ""),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 4096),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 100*time.Second),

		// Relay
		RelayMode:               getEnv("RELAY_MODE", model.ModeDirectAPI),
		RelayMaxContextMessages: getIntEnv("RELAY_MAX_CONTEXT_MESSAGES", 20),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Hour),

		// NATS
		NATSURL:        getEnv("NATS_URL", ""),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),
		NATSJournalAge: getDurationEnv("NATS_JOURNAL_MAX_AGE", 30*24*time.Hour),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Chat client
		ChatAPIURL:   getEnv("CHAT_API_URL", "http://localhost:3002"),
		ChatToken:    getEnv("CHAT_TOKEN", ""),
		SettingsFile: getEnv("SETTINGS_FILE", DefaultSettingsPath()),

		// Storage
		KVBackend:     strings.ToLower(getEnv("KV_BACKEND", kv.BackendBolt)),
		DataDir:       getEnv("DATA_DIR", defaultDataDir()),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.KVBackend {
	case kv.BackendBolt, kv.BackendRedis, kv.BackendMemory:
	default:
		return fmt.Errorf("unknown KV_BACKEND %q", c.KVBackend)
	}
	switch c.RelayMode {
	case model.ModeDirectAPI, model.ModeProxyAPI:
	default:
		return fmt.Errorf("unknown RELAY_MODE %q", c.RelayMode)
	}
	if c.RelayMaxContextMessages < 0 {
		return fmt.Errorf("RELAY_MAX_CONTEXT_MESSAGES must not be negative")
	}
	return nil
}

// UpstreamAPIKey returns the key for the configured provider.
func (c *Config) UpstreamAPIKey() string {
	if c.LLMProvider == string(llm.ProviderAnthropic) {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

// StatePath returns the bolt file holding client state.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "chat.db")
}

// RelayCachePath returns the bolt file holding relay conversation memory.
func (c *Config) RelayCachePath() string {
	return filepath.Join(c.DataDir, "relay.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatweb"
	}
	return filepath.Join(home, ".chatweb")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
