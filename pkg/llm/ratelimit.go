package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with a process-local token bucket sized
// in tokens per minute. Callers block until estimated capacity is available,
// which keeps concurrent workers from stampeding a rate-limited provider.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next with a tokens-per-minute budget. A budget
// of zero or less disables limiting.
func NewRateLimitedClient(next Client, tokensPerMinute int) *RateLimitedClient {
	var limiter *rate.Limiter
	if tokensPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute)
	}
	return &RateLimitedClient{next: next, limiter: limiter}
}

// Complete waits for estimated token capacity, then delegates.
func (c *RateLimitedClient) Complete(ctx context.Context, systemPrompt, userPrompt string, history []HistoryMessage) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.WaitN(ctx, estimateTokens(systemPrompt, userPrompt, history)); err != nil {
			return nil, err
		}
	}
	return c.next.Complete(ctx, systemPrompt, userPrompt, history)
}

// estimateTokens approximates the request's token cost: one token per ~3
// characters plus a fixed buffer for provider framing. Precision does not
// matter; the bucket only needs to track relative request sizes.
func estimateTokens(systemPrompt, userPrompt string, history []HistoryMessage) int {
	chars := len(systemPrompt) + len(userPrompt)
	for _, h := range history {
		chars += len(h.Content)
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
