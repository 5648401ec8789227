// Package config resolves the application settings from a YAML file merged with
// environment-variable overrides. Resolution is a pure step over the file contents and an
// environment lookup, so it is independent of the chat pipeline and fully testable.
// Validation failures here are the only errors that are fatal at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted by model_provider.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config is the resolved settings object shared by the server and the REPL.
type Config struct {
	Provider     string  `yaml:"model_provider"`
	Model        string  `yaml:"model_name"`
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	Streaming    bool    `yaml:"streaming"`
	HistoryTurns int     `yaml:"history_turns"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`

	// KeepAliveSecs controls how long the backend keeps the model loaded between calls,
	// in seconds; negative means forever.
	KeepAliveSecs int `yaml:"keep_alive"`

	// FirstByteTimeoutSecs bounds the wait for the backend's first streamed fragment.
	FirstByteTimeoutSecs int `yaml:"first_byte_timeout"`
	// TurnTimeoutSecs bounds a whole turn; zero disables the limit.
	TurnTimeoutSecs int `yaml:"turn_timeout"`

	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`
}

// Default returns the built-in settings, matching a stock local Ollama install.
func Default() Config {
	return Config{
		Provider:             ProviderOllama,
		Model:                "gemma:2b",
		BaseURL:              "http://localhost:11434",
		Streaming:            true,
		HistoryTurns:         4,
		SystemPrompt:         "You are a helpful assistant. Reply to user queries in a clear and informative manner.",
		Temperature:          0.7,
		MaxTokens:            1024,
		KeepAliveSecs:        -1,
		FirstByteTimeoutSecs: 30,
		Port:                 "8000",
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (a missing file is
// not an error), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg, err = cfg.WithEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithEnv returns a copy of c with environment overrides applied through lookup.
func (c Config) WithEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup("MODEL_NAME"); ok {
		c.Model = v
	}
	if v, ok := lookup("SYSTEM_PROMPT"); ok {
		c.SystemPrompt = v
	}
	if v, ok := lookup("OLLAMA_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := lookup("STREAMING"); ok {
		c.Streaming = parseBool(v)
	}
	if v, ok := lookup("HISTORY_TURNS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid HISTORY_TURNS %q: %w", v, err)
		}
		c.HistoryTurns = n
	}
	if v, ok := lookup("TEMPERATURE"); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TEMPERATURE %q: %w", v, err)
		}
		c.Temperature = t
	}
	return c, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the resolved settings. Any error here should abort startup.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown model provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model_name is required")
	}
	if c.Provider == ProviderOllama {
		if c.BaseURL == "" {
			return fmt.Errorf("base_url is required")
		}
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
		}
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.FirstByteTimeoutSecs < 0 || c.TurnTimeoutSecs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

// KeepAlive returns the keep-alive setting as a duration.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSecs) * time.Second
}

// FirstByteTimeout returns the first-byte timeout as a duration.
func (c Config) FirstByteTimeout() time.Duration {
	return time.Duration(c.FirstByteTimeoutSecs) * time.Second
}

// TurnTimeout returns the total-turn timeout as a duration; zero disables it.
func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSecs) * time.Second
}
