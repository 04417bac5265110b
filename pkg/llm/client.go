// Package llm defines the Completion capability the agent runtime consumes,
// plus the default OpenAI-backed implementation and a token-bucket limiter
// that sits in front of any provider.
package llm

import (
	"context"
	"errors"
)

// HistoryMessage is one turn of prior conversation passed to the provider.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Usage reports token consumption for one completion call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider response.
type Completion struct {
	Text  string
	Usage Usage
}

// Client is the single capability the core consumes from an LLM provider.
// Implementations must be safe for concurrent use by many workers and must
// surface provider rate limiting as ErrRateLimited (wrapped or direct).
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, history []HistoryMessage) (*Completion, error)
}

// ErrRateLimited is the distinguished rate-limit error. The agent runtime
// retries with backoff when a provider error matches it.
var ErrRateLimited = errors.New("llm provider rate limited")

// IsRateLimited reports whether err is a provider rate-limit error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
