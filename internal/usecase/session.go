// Package usecase holds the per-message control flow: budget gating,
// conversation logging, memory compression, context assembly, completion,
// billing, and reply delivery.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"telegram-concierge/internal/budget"
	"telegram-concierge/internal/domain"
	"telegram-concierge/internal/integrations/openai"
	"telegram-concierge/internal/integrations/paramstore"
)

// defaultSystemPrompt is used when no system_prompt parameter is configured.
const defaultSystemPrompt = "You are a helpful, concise assistant chatting with one user over Telegram. Answer plainly and keep replies short."

// Fixed user-visible replies. Raw errors are never shown to the user.
const (
	msgBudgetExceeded = "You've used up your message budget for now. It refreshes automatically — please check back later."
	msgUnavailable    = "I'm having trouble reaching my notes right now. Please try again in a moment."
	msgFallback       = "I couldn't come up with a reply just now. Please try again in a moment."
)

const defaultContextMessages = 20

// Ledger is the budget surface the session needs. Implemented by
// budget.Ledger.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID string) (domain.User, error)
	RefreshWindows(ctx context.Context, user domain.User) (domain.User, error)
	Enforce(user domain.User, estimatedCost int64) budget.Decision
	RecordUsage(ctx context.Context, userID string, tokens int64) (domain.User, error)
}

// ConversationStore is the message-log surface the session and compressor
// need. Implemented by repository.Client.
type ConversationStore interface {
	AppendMessage(ctx context.Context, userID, role, content string) (domain.Message, error)
	RecentMessages(ctx context.Context, userID string, n int) ([]domain.Message, error)
	SetMemory(ctx context.Context, userID, memory string) error
}

// Gateway delivers replies to the chat platform.
type Gateway interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// SessionService composes ledger, store, compressor, completion client, and
// gateway for one inbound message at a time.
type SessionService struct {
	ledger          Ledger
	store           ConversationStore
	compressor      *Compressor
	llm             Completer
	gateway         Gateway
	params          ParamGetter
	paramPrefix     string
	contextMessages int
	replyMaxTokens  int
	logger          *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	model        string
}

// Input is one validated inbound chat message.
type Input struct {
	ChatID        int64
	Text          string
	UpdateID      int64
	CorrelationID string
}

// Result reports what the session did with a message, for callers and
// tests. Reply is what was handed to the gateway.
type Result struct {
	Reply      string
	TokensUsed int64
	Denied     bool
	Fallback   bool
	Compressed bool
}

// NewSessionService wires the orchestrator. replyMaxTokens bounds each
// assistant reply; contextMessages is the N most recent stored messages
// included in the completion context.
func NewSessionService(
	ledger Ledger,
	store ConversationStore,
	compressor *Compressor,
	llm Completer,
	gateway Gateway,
	params ParamGetter,
	paramPrefix string,
	contextMessages int,
	replyMaxTokens int,
	logger *slog.Logger,
) (*SessionService, error) {
	if ledger == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if compressor == nil {
		return nil, errors.New("usecase: compressor must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if gateway == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if contextMessages <= 0 {
		contextMessages = defaultContextMessages
	}
	if replyMaxTokens <= 0 {
		return nil, errors.New("usecase: reply max tokens must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		ledger:          ledger,
		store:           store,
		compressor:      compressor,
		llm:             llm,
		gateway:         gateway,
		params:          params,
		paramPrefix:     paramPrefix,
		contextMessages: contextMessages,
		replyMaxTokens:  replyMaxTokens,
		logger:          logger,
	}, nil
}

// HandleMessage runs the full per-message chain:
// gate -> log -> (compress) -> assemble -> complete -> log -> bill -> reply.
// A user-visible reply is always attempted; the returned error exists for
// the caller's logs and never blocks webhook acknowledgement.
func (s *SessionService) HandleMessage(ctx context.Context, in Input) (Result, error) {
	text := strings.TrimSpace(in.Text)
	if in.ChatID == 0 || text == "" {
		// Nothing actionable; acknowledge silently.
		return Result{}, newError(ErrorInvalidInput, "empty_update", nil)
	}
	userID := strconv.FormatInt(in.ChatID, 10)
	log := s.logger.With("chat_id", in.ChatID, "correlation_id", in.CorrelationID, "update_id", in.UpdateID)

	if err := s.ensureConfig(ctx); err != nil {
		return s.failClosed(ctx, log, in.ChatID, newError(ErrorPersistence, "config_load_error", err))
	}

	// Gate before any completion cost is incurred. Ledger read failures
	// fail closed: denying service is cheaper than unbounded spend.
	user, err := s.ledger.GetOrCreate(ctx, userID)
	if err != nil {
		return s.failClosed(ctx, log, in.ChatID, newError(ErrorPersistence, "ledger_read_error", err))
	}
	user, err = s.ledger.RefreshWindows(ctx, user)
	if err != nil {
		return s.failClosed(ctx, log, in.ChatID, newError(ErrorPersistence, "window_refresh_error", err))
	}

	if decision := s.ledger.Enforce(user, budget.EstimateCost(text)); decision != budget.DecisionAllow {
		// The user's message is still logged for audit; only the
		// assistant turn and its cost are skipped.
		if _, appendErr := s.store.AppendMessage(ctx, userID, domain.RoleUser, text); appendErr != nil {
			log.Error("audit append failed on denial", "err", appendErr)
		}
		s.deliver(ctx, log, in.ChatID, msgBudgetExceeded)
		code := ErrorBudgetDaily
		if decision == budget.DecisionDenyMonthly {
			code = ErrorBudgetMonthly
		}
		return Result{Reply: msgBudgetExceeded, Denied: true}, newError(code, decision.String(), nil)
	}

	if _, err := s.store.AppendMessage(ctx, userID, domain.RoleUser, text); err != nil {
		// Completing against a context the store could not record would
		// desynchronize history from billing; fail closed instead.
		return s.failClosed(ctx, log, in.ChatID, newError(ErrorPersistence, "append_user_error", err))
	}

	memory := user.Memory
	compressed := false
	if digest, ran, err := s.compressor.MaybeCompress(ctx, user, s.model); err != nil {
		// Compression is best effort; the request proceeds on the prior
		// digest.
		log.Warn("compression failed", "err", err)
	} else if ran {
		memory = digest
		compressed = true
	}

	recent, err := s.store.RecentMessages(ctx, userID, s.contextMessages)
	if err != nil {
		return s.failClosed(ctx, log, in.ChatID, newError(ErrorPersistence, "recent_messages_error", err))
	}

	reply := msgFallback
	var tokensUsed int64
	fallback := false
	completion, err := s.llm.Complete(ctx, s.model, buildContextMessages(s.systemPrompt, memory, recent), s.replyMaxTokens)
	var taxErr *Error
	switch {
	case err == nil:
		reply = completion.Text
		tokensUsed = completion.TokensUsed
	case errors.Is(err, openai.ErrRetriesExhausted):
		fallback = true
		taxErr = newError(ErrorUpstreamTransient, "retries_exhausted", err)
		log.Error("completion retries exhausted", "err", err)
	default:
		fallback = true
		taxErr = newError(ErrorUpstreamFatal, "completion_error", err)
		log.Error("completion failed", "err", err)
	}

	if _, err := s.store.AppendMessage(ctx, userID, domain.RoleAssistant, reply); err != nil {
		// The reply is already paid for; log for reconciliation and keep
		// delivering.
		log.Error("append assistant reply failed", "err", err)
	}

	if tokensUsed > 0 {
		if _, err := s.ledger.RecordUsage(ctx, userID, tokensUsed); err != nil {
			// Never drop a paid-for answer because bookkeeping failed.
			log.Error("usage write failed, needs reconciliation", "tokens", tokensUsed, "err", err)
		}
	}

	s.deliver(ctx, log, in.ChatID, reply)
	return Result{
		Reply:      reply,
		TokensUsed: tokensUsed,
		Fallback:   fallback,
		Compressed: compressed,
	}, errOrNil(taxErr)
}

// failClosed sends the fixed unavailability message and surfaces the
// taxonomy error to the caller's logs.
func (s *SessionService) failClosed(ctx context.Context, log *slog.Logger, chatID int64, uerr *Error) (Result, error) {
	log.Error("failing closed", "code", string(uerr.Code), "reason", uerr.Reason, "err", uerr.Err)
	s.deliver(ctx, log, chatID, msgUnavailable)
	return Result{Reply: msgUnavailable, Denied: true}, uerr
}

// deliver hands the reply to the gateway. Send failures are logged and never
// propagated: the webhook is acknowledged regardless to prevent redelivery
// storms.
func (s *SessionService) deliver(ctx context.Context, log *slog.Logger, chatID int64, text string) {
	if err := s.gateway.SendMessage(ctx, chatID, text); err != nil {
		log.Error("gateway send failed", "err", err)
	}
}

func (s *SessionService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	if errors.Is(err, paramstore.ErrNotFound) {
		systemPrompt = defaultSystemPrompt
	} else if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load model: %w", err)
	}

	s.systemPrompt = systemPrompt
	s.model = model
	s.cacheLoaded = true
	return nil
}

func errOrNil(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}
