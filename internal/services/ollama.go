package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/quietfen/localchat/internal/models"
)

// Ollama provides an implementation of the LLM interface for a locally hosted Ollama
// server. The client is constructed once at startup and reused for every call.
type Ollama struct {
	model       string
	temperature float64
	keepAlive   *api.Duration

	client *api.Client
	logger *slog.Logger
}

// NewOllama creates an Ollama handle for the given host URL and model name. keepAlive
// controls how long the model stays loaded between calls; negative means forever.
func NewOllama(host, model string, temperature float64, keepAlive time.Duration, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	var ka *api.Duration
	if keepAlive != 0 {
		ka = &api.Duration{Duration: keepAlive}
	}

	return Ollama{
		model:       model,
		temperature: temperature,
		keepAlive:   ka,
		client:      api.NewClient(u, &http.Client{}),
		logger:      logger.With(slog.String("module", "ollama")),
	}, nil
}

func (o Ollama) messages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Chat streams responses from the Ollama model. It returns an iterator that yields raw
// response fragments and potential errors; stopping the iterator cancels the underlying
// request.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:     o.model,
			Messages:  o.messages(messages),
			Stream:    &t,
			KeepAlive: o.keepAlive,
			Options: map[string]any{
				"temperature": o.temperature,
			},
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// Complete performs one blocking chat call and returns the full response text, for the
// non-streaming path.
func (o Ollama) Complete(ctx context.Context, messages []models.Message) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:     o.model,
		Messages:  o.messages(messages),
		Stream:    &f,
		KeepAlive: o.keepAlive,
		Options: map[string]any{
			"temperature": o.temperature,
		},
	}

	var content string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	return content, nil
}

// Ping checks that the Ollama server is reachable.
func (o Ollama) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
