package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/quietfen/localchat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for any OpenAI-compatible
// chat-completion endpoint, which covers local servers such as llama.cpp and vLLM as well
// as the hosted API.
type OpenAI struct {
	model       string
	temperature float32
	maxTokens   int

	client *goopenai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible handle. An empty baseURL targets the default
// OpenAI endpoint.
func NewOpenAI(baseURL, apiKey, model string, temperature float64, maxTokens int, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:       model,
		temperature: float32(temperature),
		maxTokens:   maxTokens,
		client:      goopenai.NewClientWithConfig(cfg),
		logger:      logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) request(messages []models.Message, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return goopenai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Stream:      stream,
	}
}

// Chat streams responses from the endpoint. It returns an iterator that yields raw
// response fragments and potential errors.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := o.client.CreateChatCompletionStream(ctx, o.request(messages, true))
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			res, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Complete performs one blocking chat call and returns the full response text.
func (o OpenAI) Complete(ctx context.Context, messages []models.Message) (string, error) {
	res, err := o.client.CreateChatCompletion(ctx, o.request(messages, false))
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("response contains no choices")
	}
	return res.Choices[0].Message.Content, nil
}
