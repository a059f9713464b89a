// Package fake registers fake LLM and TTS providers for local development
// and tests. A server wired with them answers calls without any API keys.
package fake

import (
	llmfake "github.com/chriscow/callagent-go/pkg/ai/llm/fake"
	ttsfake "github.com/chriscow/callagent-go/pkg/ai/tts/fake"
	"github.com/chriscow/callagent-go/pkg/plugin"
)

var defaultResponses = []string{
	"That sounds great. Would Tuesday or Thursday work better for a quick demo?",
	"Perfect, I'll put you down for that. Is there anything else I can help with?",
	"Thanks so much for your time today. <hangup>",
}

// newFakeTTS creates a new fake TTS provider from configuration.
func newFakeTTS(cfg map[string]any) (any, error) {
	return ttsfake.NewNamedFakeTTS(plugin.String(cfg, "name", "fake")), nil
}

// newFakeLLM creates a new fake LLM provider from configuration.
// responses may come from YAML ([]any) or code ([]string).
func newFakeLLM(cfg map[string]any) (any, error) {
	responses := defaultResponses
	switch r := cfg["responses"].(type) {
	case []string:
		if len(r) > 0 {
			responses = r
		}
	case []any:
		var list []string
		for _, v := range r {
			if s, ok := v.(string); ok {
				list = append(list, s)
			}
		}
		if len(list) > 0 {
			responses = list
		}
	}
	return llmfake.NewFakeLLM(responses...), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Factory:     newFakeTTS,
		Description: "Fake TTS provider for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"name": "Provider name voice profiles are keyed by",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Factory:     newFakeLLM,
		Description: "Fake LLM provider for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"responses": []string{"List of predefined responses, cycled in order"},
		},
	})
}
