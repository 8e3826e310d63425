package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every runtime setting for the relay.
type Config struct {
	Server ServerConfig
	LLM    LLMConfig
	Store  StoreConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		LLM:    llm,
		Store:  loadStoreConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LLMConfig describes the inference service collaborator and the
// per-turn generation settings.
type LLMConfig struct {
	BaseURL      string
	Model        string
	APIKey       string
	MaxTokens    int
	SystemPrompt string
	TurnTimeout  time.Duration
}

const defaultSystemPrompt = "You are a helpful assistant. Keep replies concise."

func loadLLMConfig() (LLMConfig, error) {
	maxTokens := 512
	if override, err := parseOptionalIntEnv("LLM_MAX_TOKENS"); err != nil {
		return LLMConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return LLMConfig{}, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", *override)
		}
		maxTokens = *override
	}

	// Server-side watchdog for one inference call; 0 disables it.
	turnTimeout := 120 * time.Second
	if override, err := parseOptionalIntEnv("TURN_TIMEOUT"); err != nil {
		return LLMConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return LLMConfig{}, fmt.Errorf("TURN_TIMEOUT must not be negative, got %d", *override)
		}
		turnTimeout = time.Duration(*override) * time.Second
	}

	return LLMConfig{
		BaseURL:      getEnvOrDefault("LLM_BASE_URL", "http://localhost:11434"),
		Model:        getEnvOrDefault("LLM_MODEL", "llama3"),
		APIKey:       strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		MaxTokens:    maxTokens,
		SystemPrompt: getEnvOrDefault("SYSTEM_PROMPT", defaultSystemPrompt),
		TurnTimeout:  turnTimeout,
	}, nil
}

// StoreConfig selects the session log backend: postgres when a DSN is
// provided, in-memory otherwise.
type StoreConfig struct {
	DatabaseURL string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
