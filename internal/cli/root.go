// Package cli wires the localchat commands: a web server and a terminal REPL sharing the
// same configuration, inference backend handle, turn controller, and conversation store.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quietfen/localchat/internal/chat"
	"github.com/quietfen/localchat/internal/config"
	"github.com/quietfen/localchat/internal/services"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "localchat",
	Short: "Chat with locally hosted language models",
	Long: `Localchat pairs a terminal REPL and a small web app with a locally hosted
inference server (Ollama or any OpenAI-compatible endpoint), persisting
conversation history between sessions.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A missing .env file is fine; the environment is used as-is.
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newLLM(cfg config.Config, logger *slog.Logger) (chat.LLM, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		return services.NewOllama(cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.KeepAlive(), logger)
	case config.ProviderOpenAI:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return services.NewOpenAI(cfg.BaseURL, apiKey, cfg.Model, cfg.Temperature, cfg.MaxTokens, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}
}

func controllerOptions(cfg config.Config) chat.Options {
	return chat.Options{
		SystemPrompt:     cfg.SystemPrompt,
		HistoryTurns:     cfg.HistoryTurns,
		Streaming:        cfg.Streaming,
		FirstByteTimeout: cfg.FirstByteTimeout(),
		TurnTimeout:      cfg.TurnTimeout(),
	}
}

// appDir returns the per-user directory holding the conversation database and the REPL
// input history, creating it if needed.
func appDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}
	path := filepath.Join(dir, "localchat")
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create app dir: %w", err)
	}
	return path, nil
}

func openStore(cfg config.Config) (services.BoltDB, error) {
	path := cfg.DBPath
	if path == "" {
		dir, err := appDir()
		if err != nil {
			return services.BoltDB{}, err
		}
		path = filepath.Join(dir, "history.db")
	}
	return services.NewBoltDB(path)
}
