// Package openai registers OpenAI chat completion (llm/openai) and speech
// (tts/openai) providers.
package openai

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/plugin"
	openai "github.com/sashabaranov/go-openai"
)

// newClient builds a client from the api_key (or OPENAI_API_KEY) and
// optional base_url options.
func newClient(cfg map[string]any) (*openai.Client, error) {
	apiKey := plugin.String(cfg, "api_key", os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or provide api_key): %w", ai.ErrNotConfigured)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL := plugin.String(cfg, "base_url", ""); baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config), nil
}

// classify maps OpenAI API failures onto the shared error taxonomy: rate
// limits and server errors are recoverable, everything else is fatal.
func classify(err error, message string) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return ai.Classify(err, message)
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return ai.NewRecoverableError(err, message)
	}
	return ai.NewFatalError(err, message)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Factory:     newOpenAILLM,
		Description: "OpenAI GPT chat completion service",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    DefaultLLMModel,
			"base_url": "API base URL override",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     newOpenAITTS,
		Description: "OpenAI text-to-speech service (MP3 output)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY env var)",
			"model":    DefaultTTSModel,
			"voice":    DefaultVoice,
			"base_url": "API base URL override",
		},
	})
}
