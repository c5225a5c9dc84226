package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"triage/internal/errdefs"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/transport"
)

// Client speaks the OpenAI-compatible chat completions API through the
// mesh-aware transport, with per-attempt timeouts, exponential-backoff
// retries, and a process-local circuit breaker in front of every call.
type Client struct {
	config         Config
	transport      *transport.Client
	requestTimeout time.Duration
	retryConfig    errdefs.RetryConfig
	breaker        *errdefs.CircuitBreaker
	logger         logging.Logger
	metrics        *observability.Metrics
}

var _ Chatter = (*Client)(nil)

// NewClient constructs an LLM client. metrics may be nil.
func NewClient(config Config, tr *transport.Client, requestTimeout time.Duration, metrics *observability.Metrics) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	return &Client{
		config:         config,
		transport:      tr,
		requestTimeout: requestTimeout,
		retryConfig:    errdefs.DefaultRetryConfig(),
		breaker:        errdefs.NewCircuitBreaker("llm:"+config.Model, errdefs.DefaultCircuitBreakerConfig()),
		logger:         logging.NewComponentLogger("llm"),
		metrics:        metrics,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.config.Model
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *errdefs.CircuitBreaker {
	return c.breaker
}

// ChatCompletion sends one conversation and returns the assistant content.
// Every failure surfaces as ErrUnavailable after retry and circuit logic;
// classification happens on error codes, never on message text.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	start := time.Now()
	attempts := 0

	content, err := errdefs.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (string, error) {
		attempts++
		return errdefs.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (string, error) {
			return c.completeOnce(ctx, messages, temperature, maxTokens, attempts)
		})
	}, c.logger)

	duration := time.Since(start)
	if c.metrics != nil {
		c.metrics.LLMLatency.Observe(duration.Seconds())
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.LLMRequests.WithLabelValues("error").Inc()
		}
		c.logger.Warn("chat completion failed after %d attempt(s) in %v: %v", attempts, duration.Round(time.Millisecond), err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if c.metrics != nil {
		c.metrics.LLMRequests.WithLabelValues("ok").Inc()
	}
	return content, nil
}

func (c *Client) completeOnce(ctx context.Context, messages []Message, temperature float64, maxTokens int, attempt int) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", errdefs.NewPermanentError(err, "marshal chat request")
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if c.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.config.APIKey
	}

	start := time.Now()
	status, respBody, err := c.transport.Request(reqCtx, http.MethodPost, c.config.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		// Transport errors carry their own structured kind; errdefs classifies
		// DNS/connect/timeout as transient for the retry loop.
		return "", err
	}

	if status != http.StatusOK {
		statusErr := errdefs.NewStatusError(status, http.StatusText(status), truncate(string(respBody), 512))
		switch status {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return "", errdefs.NewTransientError(statusErr, "")
		default:
			return "", errdefs.NewPermanentError(statusErr, "")
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errdefs.NewPermanentError(err, "decode chat response")
	}
	if len(parsed.Choices) == 0 {
		return "", errdefs.NewPermanentError(fmt.Errorf("no choices in response"), "empty chat response")
	}

	c.logger.Debug("chat completion ok: model=%s duration=%v tokens=%d/%d/%d attempt=%d",
		c.config.Model, time.Since(start).Round(time.Millisecond),
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.TotalTokens, attempt)

	if c.metrics != nil && parsed.Usage.TotalTokens > 0 {
		c.metrics.LLMTokens.WithLabelValues("prompt").Add(float64(parsed.Usage.PromptTokens))
		c.metrics.LLMTokens.WithLabelValues("completion").Add(float64(parsed.Usage.CompletionTokens))
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
