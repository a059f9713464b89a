package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai/llm"
)

// FakeLLM is a fake LLM implementation for testing.
type FakeLLM struct {
	mu        sync.Mutex
	responses []string
	callCount int
	err       error
	delay     time.Duration
	requests  []llm.ChatRequest
}

// NewFakeLLM creates a new fake LLM provider with predefined responses.
func NewFakeLLM(responses ...string) *FakeLLM {
	if len(responses) == 0 {
		responses = []string{
			"This is a fake response from the fake LLM provider.",
			"I'm a fake assistant. How can I help you?",
			"This is another fake response for testing purposes.",
		}
	}
	return &FakeLLM{responses: responses}
}

// NewFailingLLM creates a fake provider whose every call fails with err.
func NewFailingLLM(err error) *FakeLLM {
	if err == nil {
		err = fmt.Errorf("fake llm failure: %w", llm.ErrFatal)
	}
	return &FakeLLM{responses: []string{""}, err: err}
}

// WithDelay makes every Chat call block for d or until ctx is done.
func (f *FakeLLM) WithDelay(d time.Duration) *FakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Chat processes a chat request and returns a fake response.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	responseIndex := f.callCount % len(f.responses)
	response := f.responses[responseIndex]
	f.callCount++
	delay := f.delay
	err := f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return llm.ChatResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return llm.ChatResponse{}, err
	}

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: response,
		},
		TokensUsed:   len(strings.Fields(response)) + 10,
		FinishReason: "stop",
	}, nil
}

// Calls returns how many times Chat was invoked.
func (f *FakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// LastRequest returns the most recent request, if any.
func (f *FakeLLM) LastRequest() (llm.ChatRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return llm.ChatRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}
