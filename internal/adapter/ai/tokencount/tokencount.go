// Package tokencount provides token counting for LLM API calls.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library. The
// broker uses it two ways: estimating a submission's token footprint at
// admission time (the global token budget is charged before the call is
// made) and reconstructing usage when a provider response omits counters.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenUsage represents token counts for an LLM API call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
}

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// getEncodingForModel returns a cached tiktoken encoding for a model.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4-family and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	// OpenRouter model IDs carry provider prefixes, e.g. "anthropic/claude-3.5-sonnet".
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Non-OpenAI tokenizers approximate well enough with the GPT-4 encoding.
		return "gpt-4"
	}
}

// CountTokens counts the tokens of a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountChatTokens counts tokens for a chat completion request, accounting
// for the per-message overhead of OpenAI-compatible APIs.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	const tokensPerMessage = 3
	const tokensPerRole = 1
	n := 0
	n += tokensPerMessage + len(enc.Encode("system", nil, nil)) + len(enc.Encode(systemPrompt, nil, nil)) + tokensPerRole
	n += tokensPerMessage + len(enc.Encode("user", nil, nil)) + len(enc.Encode(userPrompt, nil, nil)) + tokensPerRole
	// Every reply is primed with <|start|>assistant<|message|>.
	n += 3
	return n, nil
}

// CalculateUsage calculates full token usage for a chat completion,
// degrading to a ~4 chars/token estimate if encoding fails.
func (c *Counter) CalculateUsage(systemPrompt, userPrompt, completion, model string) (*TokenUsage, error) {
	promptTokens, err := c.CountChatTokens(systemPrompt, userPrompt, model)
	if err != nil {
		slog.Warn("failed to count prompt tokens, using estimate",
			slog.String("model", model), slog.Any("error", err))
		promptTokens = (len(systemPrompt) + len(userPrompt)) / 4
	}
	completionTokens, err := c.CountTokens(completion, model)
	if err != nil {
		slog.Warn("failed to count completion tokens, using estimate",
			slog.String("model", model), slog.Any("error", err))
		completionTokens = len(completion) / 4
	}
	return &TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Model:            model,
	}, nil
}
