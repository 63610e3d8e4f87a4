// Package config loads the server configuration from the environment and the
// tutor profile from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transcription providers
const (
	ProviderGemini = "gemini"
	ProviderGoogle = "google"
)

const (
	defaultPort          = "8080"
	defaultMongoDatabase = "aria"
	defaultTokenTTL      = 7 * 24 * time.Hour
	defaultLanguage      = "pt-BR"
	minSecretLength      = 16
)

// Config represents the complete server configuration
type Config struct {
	LogLevel      string
	Server        ServerConfig
	Gemini        GeminiConfig
	Mongo         MongoConfig
	Auth          AuthConfig
	Transcription TranscriptionConfig
	Profile       *TutorProfile
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
}

// GeminiConfig contains the Gemini API credentials
type GeminiConfig struct {
	APIKey string
}

// MongoConfig contains the conversation store location. An empty URI keeps
// the log in memory.
type MongoConfig struct {
	URI      string
	Database string
}

// AuthConfig contains token signing configuration
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// TranscriptionConfig selects who transcribes the student's speech
type TranscriptionConfig struct {
	Provider string
	Language string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		LogLevel: getenv("LOG_LEVEL"),
		Server: ServerConfig{
			Port:           withDefault(getenv("PORT"), defaultPort),
			AllowedOrigins: splitList(getenv("ALLOWED_ORIGINS")),
		},
		Gemini: GeminiConfig{APIKey: getenv("GEMINI_API_KEY")},
		Mongo: MongoConfig{
			URI:      getenv("MONGODB_URI"),
			Database: withDefault(getenv("MONGODB_DATABASE"), defaultMongoDatabase),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET"),
			TokenTTL:  defaultTokenTTL,
		},
		Transcription: TranscriptionConfig{
			Provider: strings.ToLower(withDefault(getenv("TRANSCRIPTION_PROVIDER"), ProviderGemini)),
			Language: withDefault(getenv("TRANSCRIPTION_LANGUAGE"), defaultLanguage),
		},
	}

	if v := getenv("JWT_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_TTL_HOURS %q: %w", v, err)
		}
		cfg.Auth.TokenTTL = time.Duration(hours) * time.Hour
	}

	profile, err := LoadProfile(getenv("TUTOR_PROFILE"))
	if err != nil {
		return nil, err
	}
	cfg.Profile = profile

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Server.Port)
	}
	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if len(a.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if a.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %s", a.TokenTTL)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case ProviderGemini, ProviderGoogle:
		return nil
	default:
		return fmt.Errorf("unknown TRANSCRIPTION_PROVIDER %q", t.Provider)
	}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
