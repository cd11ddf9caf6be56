// Package ai implements the outbound LLM port against an OpenAI-compatible
// chat completions API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cloudsketch/diagen/internal/adapter/ai/tokencount"
	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
)

// Client implements domain.DiagramGenerator. It performs exactly one
// outbound call per Generate invocation; retry scheduling belongs to the
// dispatcher, not the client.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	counter *tokencount.Counter
}

// New constructs a Client. The HTTP client timeout is the configured
// per-call LLM budget.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.LLMTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		counter: tokencount.NewCounter(),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// retryableStatus reports whether an HTTP status indicates a transient
// provider condition.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Generate calls the chat completions endpoint once and returns the
// concatenated text segments plus measured usage. Failures are classified
// with the domain sentinels so the dispatcher can decide retryability.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (domain.Generation, error) {
	if c.cfg.LLMAPIKey == "" {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}

	reqBody := chatRequest{
		Model:       c.cfg.LLMModel,
		Temperature: 0.2,
		MaxTokens:   c.cfg.LLMMaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w", err)
	}

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	observability.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.Generation{}, fmt.Errorf("op=ai.generate: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		// Transport-level failure, transient by default.
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: %v", domain.ErrUpstreamRateLimit, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: read body: %w: %v", domain.ErrUpstreamRateLimit, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case retryableStatus(resp.StatusCode):
		slog.Warn("llm provider transient failure",
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: status %d", domain.ErrUpstreamRateLimit, resp.StatusCode)
	default:
		snippet := string(bodyBytes)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("llm provider rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: status %d", domain.ErrUpstreamRejected, resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: decode: %w: %v", domain.ErrUpstreamRateLimit, err)
	}
	if out.Error != nil {
		msg := strings.ToLower(out.Error.Message)
		// Some providers report overload inside a 200 envelope.
		if strings.Contains(msg, "overload") || strings.Contains(msg, "rate") {
			return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: %s", domain.ErrUpstreamRateLimit, out.Error.Message)
		}
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: %s", domain.ErrUpstreamRejected, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return domain.Generation{}, fmt.Errorf("op=ai.generate: %w: empty choices", domain.ErrUpstreamRejected)
	}

	// Concatenate all text segments.
	var sb strings.Builder
	for _, ch := range out.Choices {
		sb.WriteString(ch.Message.Content)
	}
	text := sb.String()

	model := out.Model
	if model == "" {
		model = c.cfg.LLMModel
	}
	gen := domain.Generation{
		Text:      text,
		Model:     model,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
	}
	// Fall back to local counting when the envelope omits usage.
	if gen.TokensIn == 0 && gen.TokensOut == 0 {
		if usage, err := c.counter.CalculateUsage(systemPrompt, userPrompt, text, model); err == nil {
			gen.TokensIn = int64(usage.PromptTokens)
			gen.TokensOut = int64(usage.CompletionTokens)
		}
	}
	return gen, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
