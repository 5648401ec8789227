package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/quietfen/localchat/internal/chat"
	"github.com/quietfen/localchat/internal/models"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Chat with the model from the terminal",
	RunE:  runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

func isExitCommand(input string) bool {
	switch strings.ToLower(input) {
	case "/exit", "exit", "quit", "/quit":
		return true
	}
	return false
}

func runREPL(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	llm, err := newLLM(cfg, logger)
	if err != nil {
		return err
	}

	if p, ok := llm.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			fmt.Printf("Cannot reach the inference backend at %s.\n", cfg.BaseURL)
			fmt.Println("Make sure the server is running, e.g. `ollama serve`.")
			return fmt.Errorf("backend unreachable: %w", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	turns := chat.NewController(llm, store, controllerOptions(cfg), logger)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := ""
	if dir, err := appDir(); err == nil {
		historyPath = filepath.Join(dir, "repl_history")
		if f, err := os.Open(historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		if historyPath == "" {
			return
		}
		f, err := os.Create(historyPath)
		if err != nil {
			return
		}
		_, _ = line.WriteHistory(f)
		f.Close()
	}()

	fmt.Printf("Model: %s (%s)\n", cfg.Model, cfg.BaseURL)
	fmt.Println("Type '/exit', 'exit', or 'quit' to quit; '/new' starts a new conversation.")
	fmt.Println()

	conversationID := ""
	for {
		input, err := line.Prompt("You: ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println("\nBye!")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if isExitCommand(input) {
			fmt.Println("Bye!")
			return nil
		}
		if strings.EqualFold(input, "/new") {
			conversationID = ""
			fmt.Println("Started a new conversation.")
			continue
		}
		line.AppendHistory(input)

		fmt.Print("Assistant: ")
		emit := func(chunk models.StreamChunk) error {
			if chunk.Kind == models.ChunkContent {
				fmt.Print(chunk.Content)
			}
			return nil
		}

		// Ctrl+C during a turn cancels the backend stream; nothing is persisted.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		_, id, err := turns.HandleTurn(ctx, conversationID, input, emit)
		stop()
		fmt.Println()

		if err != nil {
			if errors.Is(err, chat.ErrHistoryNotSaved) {
				conversationID = id
				fmt.Printf("warning: %v\n", err)
				continue
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		conversationID = id
	}
}
