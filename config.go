package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the service needs from the environment. It is
// loaded once in main and passed explicitly; nothing reads the environment
// after startup.
type Config struct {
	Port string

	// Model backend (any OpenAI-compatible server; Ollama's /v1 by default).
	BackendBaseURL string
	BackendAPIKey  string

	// Council composition.
	CouncilModels []string
	ChairmanModel string
	TitleModel    string

	// Persistence.
	EnableDBStorage bool
	DatabaseURL     string

	CORSAllowedOrigins []string

	ModelQueryTimeout time.Duration
	TitleGenTimeout   time.Duration
	RequestDeadline   time.Duration
	CatalogTTL        time.Duration

	// MaxRequestBodySize is the request body cap in bytes (default 1MB).
	MaxRequestBodySize int64
}

// LoadConfig loads configuration from the environment, reading a .env file
// first if one is present. Returns an error when the council composition is
// unusable (no members, no chairman).
func LoadConfig() (*Config, error) {
	// Load .env file - try current and parent directory
	for _, envPath := range []string{".env", "../.env"} {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				log.Printf("Loaded .env from: %s", envPath)
				break
			}
		}
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8001"),
		BackendBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
		BackendAPIKey:      getEnv("OLLAMA_API_KEY", "ollama"),
		CouncilModels:      splitList(getEnv("COUNCIL_MODELS", "")),
		ChairmanModel:      getEnv("CHAIRMAN_MODEL", ""),
		TitleModel:         getEnv("TITLE_MODEL", ""),
		EnableDBStorage:    getEnvBool("ENABLE_DB_STORAGE", true),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		ModelQueryTimeout:  getEnvDuration("MODEL_QUERY_TIMEOUT", 120*time.Second),
		TitleGenTimeout:    getEnvDuration("TITLE_GEN_TIMEOUT", 30*time.Second),
		RequestDeadline:    getEnvDuration("REQUEST_DEADLINE", 10*time.Minute),
		CatalogTTL:         getEnvDuration("MODEL_CATALOG_TTL", 5*time.Minute),
		MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
	}

	if len(cfg.CouncilModels) == 0 {
		return nil, fmt.Errorf("COUNCIL_MODELS must list at least one model")
	}
	if cfg.ChairmanModel == "" {
		return nil, fmt.Errorf("CHAIRMAN_MODEL is required")
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.ChairmanModel
	}
	if cfg.EnableDBStorage && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when ENABLE_DB_STORAGE is true")
	}

	return cfg, nil
}

// splitList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv reads an environment variable with a default fallback.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %v", key, v, def)
		return def
	}
	return b
}

func getEnvInt64(key string, def int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
