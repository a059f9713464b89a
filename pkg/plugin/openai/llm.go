package openai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/llm"
	"github.com/chriscow/callagent-go/pkg/plugin"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultLLMModel is used when no model is configured.
const DefaultLLMModel = openai.GPT4oMini

// OpenAILLM implements the LLM interface using OpenAI GPT models
type OpenAILLM struct {
	client *openai.Client
	model  string
}

// newOpenAILLM creates a new OpenAI LLM instance
func newOpenAILLM(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAILLM{
		client: client,
		model:  plugin.String(cfg, "model", DefaultLLMModel),
	}, nil
}

// Chat performs chat completion with conversation history
func (o *OpenAILLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return llm.ChatResponse{}, classify(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, ai.NewFatalError(errors.New("no choices returned"), "openai chat completion")
	}

	choice := resp.Choices[0]
	slog.Debug("openai chat completion",
		"model", o.model,
		"tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}, nil
}
