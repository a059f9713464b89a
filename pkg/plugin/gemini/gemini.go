// Package gemini registers a Google Gemini chat provider (llm/gemini).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/llm"
	"github.com/chriscow/callagent-go/pkg/plugin"
	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// GeminiLLM implements the LLM interface using the Gemini API.
type GeminiLLM struct {
	client *genai.Client
	model  string
}

func newGeminiLLM(cfg map[string]any) (any, error) {
	apiKey := plugin.String(cfg, "api_key", os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or provide api_key): %w", ai.ErrNotConfigured)
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := plugin.String(cfg, "base_url", ""); baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiLLM{
		client: client,
		model:  plugin.String(cfg, "model", DefaultModel),
	}, nil
}

// Chat sends the conversation as Gemini contents, with system messages
// moved into the system instruction.
func (g *GeminiLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()
	system, contents := convertMessages(req.Messages)
	if len(contents) == 0 {
		return llm.ChatResponse{}, ai.NewFatalError(errors.New("no user or assistant messages"), "gemini generate")
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		cfg.Temperature = &temp
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.ChatResponse{}, classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.ChatResponse{}, ai.NewFatalError(errors.New("no candidates"), "gemini generate")
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	slog.Debug("gemini generate",
		"model", g.model,
		"tokens", tokens,
		"duration_ms", time.Since(start).Milliseconds())

	return llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: sb.String()},
		TokensUsed:   tokens,
		FinishReason: strings.ToLower(string(cand.FinishReason)),
	}, nil
}

// convertMessages splits out system text and merges consecutive messages of
// the same role, which Gemini rejects.
func convertMessages(msgs []llm.Message) (string, []*genai.Content) {
	var (
		system   []string
		contents []*genai.Content
		last     *genai.Content
	)
	for _, m := range msgs {
		role := "user"
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
			continue
		case llm.RoleAssistant:
			role = "model"
		}
		part := genai.NewPartFromText(m.Content)
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, part)
			continue
		}
		last = &genai.Content{Role: role, Parts: []*genai.Part{part}}
		contents = append(contents, last)
	}
	return strings.Join(system, "\n\n"), contents
}

func classify(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	code := 0
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return ai.Classify(err, "gemini generate")
	}
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return ai.NewRecoverableError(err, "gemini generate")
	}
	return ai.NewFatalError(err, "gemini generate")
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "gemini",
		Factory:     newGeminiLLM,
		Description: "Google Gemini chat generation",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "Gemini API key (or set GEMINI_API_KEY env var)",
			"model":    DefaultModel,
			"base_url": "API base URL override",
		},
	})
}
