package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"telegram-concierge/internal/domain"
	"telegram-concierge/internal/integrations/openai"
)

const (
	// compressHistoryLimit bounds how much history feeds one compression
	// pass.
	compressHistoryLimit = 100
	// minCompressBytes skips compression while accumulated content is too
	// small to be worth a completion call.
	minCompressBytes = 2048
	// memoryMaxTokens caps the digest size so the memory block stays a
	// small, fixed fraction of the context window.
	memoryMaxTokens = 256
)

// TriggerPolicy decides, per inbound message, whether a compression pass
// should run against the given history. Policies are named and swappable so
// tests can force or suppress compression deterministically.
type TriggerPolicy func(history []domain.Message) bool

// ProbabilisticTrigger fires when roll() < p. roll is injected so tests can
// pin the outcome; production wiring passes rand.Float64.
func ProbabilisticTrigger(p float64, roll func() float64) TriggerPolicy {
	return func([]domain.Message) bool {
		if p <= 0 {
			return false
		}
		if p >= 1 {
			return true
		}
		return roll() < p
	}
}

// ThresholdTrigger fires once the total content size of the history reaches
// minBytes.
func ThresholdTrigger(minBytes int) TriggerPolicy {
	return func(history []domain.Message) bool {
		return historyBytes(history) >= minBytes
	}
}

// NeverTrigger suppresses compression entirely.
func NeverTrigger([]domain.Message) bool { return false }

// Compressor condenses long conversation history into a bounded digest
// stored on the user record. Replacement is lossy: the previous digest is
// overwritten, and dropped detail remains only in the full message log.
type Compressor struct {
	store   ConversationStore
	llm     Completer
	trigger TriggerPolicy
}

// NewCompressor creates a Compressor.
func NewCompressor(store ConversationStore, llm Completer, trigger TriggerPolicy) (*Compressor, error) {
	if store == nil {
		return nil, errors.New("usecase: compressor store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: compressor completer must not be nil")
	}
	if trigger == nil {
		return nil, errors.New("usecase: trigger policy must not be nil")
	}
	return &Compressor{store: store, llm: llm, trigger: trigger}, nil
}

// MaybeCompress runs the trigger policy and, when it fires and the history
// is large enough, replaces the user's memory digest. Returns the new
// digest and whether a compression pass ran. Compression calls are not
// charged against the user's budget.
func (c *Compressor) MaybeCompress(ctx context.Context, user domain.User, model string) (string, bool, error) {
	// The window is the newest messages so the digest tracks where the
	// conversation is now, not where it started.
	history, err := c.store.RecentMessages(ctx, user.UserID, compressHistoryLimit)
	if err != nil {
		return "", false, fmt.Errorf("usecase: compressor history: %w", err)
	}
	if !c.trigger(history) {
		return "", false, nil
	}
	if historyBytes(history) < minCompressBytes {
		// Not enough accumulated content to be worth summarizing.
		return "", false, nil
	}

	out, err := c.llm.Complete(ctx, model, buildSummarizationMessages(history), memoryMaxTokens)
	if err != nil {
		return "", false, fmt.Errorf("usecase: compressor summarize: %w", err)
	}
	digest := strings.TrimSpace(out.Text)
	if digest == "" {
		return "", false, errors.New("usecase: compressor produced empty digest")
	}

	if err := c.store.SetMemory(ctx, user.UserID, digest); err != nil {
		return "", false, fmt.Errorf("usecase: compressor store digest: %w", err)
	}
	return digest, true, nil
}

func historyBytes(history []domain.Message) int {
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	return total
}

// Completer is the completion-service surface the usecase needs.
// Implemented by openai.Retrier.
type Completer interface {
	Complete(ctx context.Context, model string, messages []domain.ChatMessage, maxTokens int) (openai.Completion, error)
}
