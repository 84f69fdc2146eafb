package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telegram-concierge/internal/domain"
)

const (
	defaultMaxAttempts = 3
	// The backoff budget must leave headroom under the platform's ~10s
	// invocation deadline once call latencies are added; with these
	// defaults the worst-case delay sum is 750ms without a Retry-After
	// hint and 4s with one.
	defaultBaseDelay = 250 * time.Millisecond
	defaultCapDelay  = 2 * time.Second
)

// ErrRetriesExhausted reports that every retryable attempt failed. Callers
// must not record token usage for an exhausted request.
var ErrRetriesExhausted = errors.New("openai: retries exhausted")

// Retrier wraps a Client with bounded retry on transient upstream failures.
type Retrier struct {
	client      *Client
	maxAttempts int
	baseDelay   time.Duration
	capDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

type RetrierOption func(*Retrier)

func WithMaxAttempts(n int) RetrierOption {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithDelays(base, cap time.Duration) RetrierOption {
	return func(r *Retrier) {
		if base > 0 {
			r.baseDelay = base
		}
		if cap > 0 {
			r.capDelay = cap
		}
	}
}

// WithSleep overrides the inter-attempt sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// NewRetrier creates a Retrier around client.
func NewRetrier(client *Client, opts ...RetrierOption) (*Retrier, error) {
	if client == nil {
		return nil, errors.New("openai: client must not be nil")
	}
	r := &Retrier{
		client:      client,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		capDelay:    defaultCapDelay,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Complete calls the completion service with up to maxAttempts attempts.
// Only rate-limit (429) and server-error (5xx) responses are retried, along
// with transport-level failures; any other failure class propagates
// immediately since retrying a malformed request cannot succeed. Each
// attempt is a fresh, side-effect-free call, so retries are safe.
func (r *Retrier) Complete(ctx context.Context, model string, messages []domain.ChatMessage, maxTokens int) (Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		out, err := r.client.Chat(ctx, model, messages, maxTokens)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return Completion{}, err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}
		delay := backoffDelay(attempt, retryAfterHint(err), r.baseDelay, r.capDelay)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return Completion{}, fmt.Errorf("openai: wait before retry: %w", sleepErr)
		}
	}
	return Completion{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.maxAttempts, lastErr)
}

// backoffDelay computes the pre-retry delay for a failed attempt
// (1-based). The provider's Retry-After hint wins over the linear fallback;
// either way the delay never exceeds capDelay. Pure so the policy is
// unit-testable without a network.
func backoffDelay(attempt int, retryAfter, base, capDelay time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if retryAfter > 0 {
		d = retryAfter
	}
	if d > capDelay {
		d = capDelay
	}
	return d
}

// retryable reports whether err is a transient upstream failure. Responses
// carrying a status are transient only for 429 and 5xx; errors without a
// status (connection resets, timeouts) are treated as transient too.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return true
	}
	return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
}

func retryAfterHint(err error) time.Duration {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
