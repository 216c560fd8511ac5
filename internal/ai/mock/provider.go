package mock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/estategpt/internal/ai"
)

// Provider is a mock AI provider for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	CompleteResponse *ai.ChatResult
	CompleteError    error

	// Call tracking for testing
	CompleteCalls int
	LastParams    ai.ChatParams
}

var _ ai.ChatProvider = (*Provider)(nil)

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// Complete returns a canned answer that echoes the last question
func (p *Provider) Complete(ctx context.Context, params ai.ChatParams) (*ai.ChatResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls++
	p.LastParams = params

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// If a custom response or error is set, use it
	if p.CompleteError != nil {
		return nil, p.CompleteError
	}
	if p.CompleteResponse != nil {
		res := *p.CompleteResponse
		return &res, nil
	}

	var question string
	if n := len(params.Messages); n > 0 {
		question = params.Messages[n-1].Content
	}
	if i := strings.LastIndex(question, "Question: "); i >= 0 {
		question = question[i+len("Question: "):]
	}

	// Default canned response
	return &ai.ChatResult{
		Content:      "This is a sample answer from the mock provider. You asked: " + strings.TrimSpace(question),
		FinishReason: "stop",
		Usage: ai.UsageInfo{
			Model:        "mock-chat-v1",
			InputTokens:  len(question) / 4,
			OutputTokens: 24,
			Duration:     50 * time.Millisecond,
		},
	}, nil
}

// Calls returns the number of Complete calls so far
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteCalls
}

// Reset clears call counters and custom responses for testing
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = 0
	p.LastParams = ai.ChatParams{}
	p.CompleteResponse = nil
	p.CompleteError = nil
}
