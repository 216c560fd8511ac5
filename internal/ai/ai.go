package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatProvider produces a single completion for a conversation.
type ChatProvider interface {
	Complete(ctx context.Context, params ChatParams) (*ChatResult, error)
}

// Role of a message sent to the model
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn sent to the model
type Message struct {
	Role    Role
	Content string
}

// ChatParams contains parameters for a completion
type ChatParams struct {
	SystemPrompt string    // Prepended as a system message when non-empty
	Messages     []Message // Conversation, oldest first
	Temperature  float64   // Sampling temperature
	MaxTokens    int       // 0 uses the provider default
	UserID       string    // Forwarded for provider-side abuse tracking
}

// ChatResult contains the model's answer
type ChatResult struct {
	Content      string    // Answer text, may be empty
	FinishReason string    // Why the model stopped
	Usage        UsageInfo // Token usage information
}

// UsageInfo tracks API usage for monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum retry attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIInvalidRequest indicates the provider rejected the request
	EAIInvalidRequest = errors.New("invalid ai request")

	// EAIContentPolicy indicates the prompt violates content policy
	EAIContentPolicy = errors.New("prompt violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}
