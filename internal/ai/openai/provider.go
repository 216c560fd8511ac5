package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/metrics"
)

const (
	// DefaultBaseURL is the base URL for the OpenAI API
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the default chat model to use
	DefaultModel = "gpt-4o-mini"

	// maxErrorBody bounds how much of an error response is read
	maxErrorBody = 4 << 10
)

// Config contains configuration for the OpenAI provider
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string
	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.ChatProvider using the chat completions API.
// Any OpenAI-compatible endpoint works through BaseURL.
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ ai.ChatProvider = (*Provider)(nil)

// New creates a new OpenAI provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	// Set defaults
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ProviderConfig.MaxRetries == 0 {
		config.ProviderConfig.MaxRetries = 3
	}
	if config.ProviderConfig.RetryBaseDelay == 0 {
		config.ProviderConfig.RetryBaseDelay = 1 * time.Second
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 60 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// Complete sends the conversation to the chat completions endpoint
func (p *Provider) Complete(ctx context.Context, params ai.ChatParams) (*ai.ChatResult, error) {
	startTime := time.Now()

	body, err := p.buildRequestBody(params)
	if err != nil {
		return nil, ai.WrapError("build request", err)
	}

	resp, err := p.executeWithRetry(ctx, body)
	if err != nil {
		metrics.AICallFailed()
		return nil, ai.WrapError("complete", err)
	}

	if len(resp.Choices) == 0 {
		metrics.AICallFailed()
		return nil, ai.WrapError("parse response", fmt.Errorf("empty choices in response"))
	}

	duration := time.Since(startTime)
	result := &ai.ChatResult{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: ai.UsageInfo{
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Duration:     duration,
		},
	}
	if result.Usage.Model == "" {
		result.Usage.Model = p.config.Model
	}

	metrics.AICallSucceeded(result.Usage.InputTokens, result.Usage.OutputTokens, duration)
	p.logger.Debug("AI completion finished",
		"model", result.Usage.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"duration_ms", duration.Milliseconds(),
	)

	return result, nil
}

// buildRequestBody marshals the chat completion request
func (p *Provider) buildRequestBody(params ai.ChatParams) ([]byte, error) {
	msgs := make([]apiMessage, 0, len(params.Messages)+1)
	if params.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: string(ai.RoleSystem), Content: params.SystemPrompt})
	}
	for _, m := range params.Messages {
		msgs = append(msgs, apiMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ai.EAIInvalidRequest)
	}

	temperature := params.Temperature
	reqBody := apiRequest{
		Model:       p.config.Model,
		Messages:    msgs,
		Temperature: &temperature,
		User:        params.UserID,
	}
	if params.MaxTokens > 0 {
		reqBody.MaxTokens = &params.MaxTokens
	}

	return json.Marshal(reqBody)
}

// executeWithRetry executes the request with exponential backoff retry.
// A fresh request is built per attempt since the body is consumed.
func (p *Provider) executeWithRetry(ctx context.Context, body []byte) (*apiResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.ProviderConfig.MaxRetries; attempt++ {
		resp, err := p.executeRequest(ctx, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		// Only retry on retryable errors
		if !ai.IsRetryable(err) {
			return nil, err
		}

		// Don't retry if we've exhausted attempts
		if attempt >= p.config.ProviderConfig.MaxRetries {
			break
		}

		// Calculate backoff delay (exponential: base * 2^(attempt-1))
		delay := p.config.ProviderConfig.RetryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Info("Retrying AI request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// executeRequest executes a single HTTP request
func (p *Provider) executeRequest(ctx context.Context, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// Caller cancellation is not a provider failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ai.EAITimeout
		}
		// Network errors are typically retryable
		return nil, ai.EAIUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, p.mapHTTPError(resp.StatusCode, bodyBytes)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &apiResp, nil
}

// mapHTTPError maps HTTP status codes to AI errors
func (p *Provider) mapHTTPError(statusCode int, body []byte) error {
	// Try to parse error response
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EAIUnauthorized
	case http.StatusTooManyRequests:
		if errResp.Error.Code == "insufficient_quota" {
			return fmt.Errorf("%w: %s", ai.EAIUnauthorized, errResp.Error.Message)
		}
		return ai.EAIRateLimit
	case http.StatusRequestTimeout:
		return ai.EAITimeout
	case http.StatusBadRequest:
		if errResp.Error.Code == "content_policy_violation" || errResp.Error.Code == "content_filter" {
			return ai.EAIContentPolicy
		}
		return fmt.Errorf("%w: %s", ai.EAIInvalidRequest, errResp.Error.Message)
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ai.EAIUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// API request/response types

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	User        string       `json:"user,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
