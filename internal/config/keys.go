package config

import (
	"errors"
	"os"
	"strings"
)

var (
	// ErrNoAPIKey is returned when no Anthropic key is configured.
	ErrNoAPIKey = errors.New("no Anthropic API key configured")
	// ErrNoGeminiKey is returned when the genai retrieval provider has no key.
	ErrNoGeminiKey = errors.New("no Gemini API key configured")
)

// KeySource records where a credential came from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// credential is a secret that may come from a dedicated environment
// variable or from the loaded config. The variable wins.
type credential struct {
	env     string
	field   func(*Config) string
	missing error
}

var (
	anthropicKey = credential{
		env:     "ANTHROPIC_API_KEY",
		field:   func(c *Config) string { return c.Anthropic.APIKey },
		missing: ErrNoAPIKey,
	}
	geminiKey = credential{
		env:     "GEMINI_API_KEY",
		field:   func(c *Config) string { return c.Retrieval.APIKey },
		missing: ErrNoGeminiKey,
	}
)

func (c credential) resolve(cfg *Config) (string, KeySource) {
	if key := os.Getenv(c.env); key != "" {
		return key, KeySourceEnv
	}
	if cfg == nil {
		return "", KeySourceNone
	}
	// Config values may still hold ${VAR} references; an unset one is no key.
	key := os.ExpandEnv(c.field(cfg))
	if key == "" || strings.HasPrefix(key, "${") {
		return "", KeySourceNone
	}
	return key, KeySourceConfig
}

func (c credential) get(cfg *Config) (string, error) {
	key, src := c.resolve(cfg)
	if src == KeySourceNone {
		return "", c.missing
	}
	return key, nil
}

// GetAPIKey returns the Anthropic key, preferring ANTHROPIC_API_KEY.
func GetAPIKey(cfg *Config) (string, error) { return anthropicKey.get(cfg) }

// GetAPIKeySource reports where GetAPIKey would find the key.
func GetAPIKeySource(cfg *Config) KeySource {
	_, src := anthropicKey.resolve(cfg)
	return src
}

// GetGeminiKey returns the key used for genai embeddings, preferring
// GEMINI_API_KEY.
func GetGeminiKey(cfg *Config) (string, error) { return geminiKey.get(cfg) }

// GetGeminiKeySource reports where GetGeminiKey would find the key.
func GetGeminiKeySource(cfg *Config) KeySource {
	_, src := geminiKey.resolve(cfg)
	return src
}

// ValidateAPIKey checks the shape of an Anthropic key without calling the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey keeps a key's first 7 and last 4 characters for display.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
