package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent modes select where agent turns come from.
const (
	AgentModeMock   = "mock"
	AgentModeHTTP   = "http"
	AgentModeOpenAI = "openai"
)

type Config struct {
	Addr        string
	CORSOrigin  string
	DatabaseURL string
	ReposDir    string
	SchemaPath  string
	// Redis preview fan-out, disabled when RedisURL is empty
	RedisURL   string
	PreviewTTL time.Duration
	// Synchronization engine
	InputPolicy    string
	PatchBufferCap int
	StallTimeout   time.Duration
	ExportRetries  int
	// Agent producer
	AgentMode     string
	AgentURL      string
	AgentToken    string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8787"),
		CORSOrigin:     getenv("CHARTER_CORS_ORIGIN", "*"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		ReposDir:       getenv("CHARTER_REPOS_DIR", "./data/charters"),
		SchemaPath:     getenv("CHARTER_SCHEMA_PATH", ""),
		RedisURL:       getenv("REDIS_URL", ""),
		PreviewTTL:     getenvDuration("CHARTER_PREVIEW_TTL_SECONDS", 3600),
		InputPolicy:    strings.ToLower(getenv("CHARTER_INPUT_POLICY", "exclusive")),
		PatchBufferCap: getenvInt("CHARTER_PATCH_BUFFER_CAP", 64),
		StallTimeout:   getenvDuration("CHARTER_STALL_TIMEOUT_SECONDS", 20),
		ExportRetries:  getenvInt("CHARTER_EXPORT_RETRIES", 3),
		AgentMode:      strings.ToLower(getenv("CHARTER_AGENT_MODE", AgentModeMock)),
		AgentURL:       getenv("CHARTER_AGENT_URL", ""),
		AgentToken:     getenv("CHARTER_AGENT_TOKEN", ""),
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),
		OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  getenv("OPENAI_BASE_URL", ""),
	}
}

// Validate reports every setting the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.InputPolicy {
	case "exclusive", "mixed":
	default:
		errs = append(errs, fmt.Errorf("CHARTER_INPUT_POLICY: unknown policy %q", c.InputPolicy))
	}
	switch c.AgentMode {
	case AgentModeMock:
	case AgentModeHTTP:
		if c.AgentURL == "" {
			errs = append(errs, errors.New("CHARTER_AGENT_URL is required in http agent mode"))
		}
	case AgentModeOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required in openai agent mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHARTER_AGENT_MODE: unknown mode %q", c.AgentMode))
	}
	if c.PatchBufferCap <= 0 {
		errs = append(errs, fmt.Errorf("CHARTER_PATCH_BUFFER_CAP must be positive, got %d", c.PatchBufferCap))
	}
	if c.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CHARTER_STALL_TIMEOUT_SECONDS must be positive, got %s", c.StallTimeout))
	}
	if c.ExportRetries < 0 {
		errs = append(errs, fmt.Errorf("CHARTER_EXPORT_RETRIES must not be negative, got %d", c.ExportRetries))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getenvInt(key, fallbackSeconds)) * time.Second
}
