package fake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai/llm"
)

func TestFakeLLMChat(t *testing.T) {
	provider := NewFakeLLM("Test response 1", "Test response 2")
	ctx := context.Background()

	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Hello"},
		},
		MaxTokens:   100,
		Temperature: 0.7,
	}

	resp, err := provider.Chat(ctx, req)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Message.Role != llm.RoleAssistant {
		t.Errorf("Expected assistant role, got %v", resp.Message.Role)
	}

	if !strings.Contains(resp.Message.Content, "Test response") {
		t.Errorf("Expected predefined response, got %q", resp.Message.Content)
	}

	if resp.TokensUsed <= 0 {
		t.Error("Expected TokensUsed to be positive")
	}

	last, ok := provider.LastRequest()
	if !ok || len(last.Messages) != 1 {
		t.Errorf("Expected request to be recorded, got %+v", last)
	}
}

func TestFakeLLMResponseCycling(t *testing.T) {
	responses := []string{"Response A", "Response B", "Response C"}
	provider := NewFakeLLM(responses...)
	ctx := context.Background()

	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Test"},
		},
	}

	for i := 0; i < len(responses)*2; i++ {
		resp, err := provider.Chat(ctx, req)
		if err != nil {
			t.Fatalf("Chat() iteration %d error = %v", i, err)
		}

		expected := responses[i%len(responses)]
		if resp.Message.Content != expected {
			t.Errorf("Iteration %d: expected %q, got %q", i, expected, resp.Message.Content)
		}
	}

	if provider.Calls() != len(responses)*2 {
		t.Errorf("Expected %d calls, got %d", len(responses)*2, provider.Calls())
	}
}

func TestFailingLLM(t *testing.T) {
	provider := NewFailingLLM(nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{})
	if !errors.Is(err, llm.ErrFatal) {
		t.Errorf("Expected fatal error, got %v", err)
	}
}

func TestFakeLLMDelayHonorsContext(t *testing.T) {
	provider := NewFakeLLM("slow").WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := provider.Chat(ctx, llm.ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
