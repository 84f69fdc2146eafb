// Package budget tracks per-user token consumption across rolling daily and
// monthly windows and gates requests against configured caps. Counter
// mutations are delegated to the store as atomic operations so concurrent
// handlers for the same user cannot lose increments or double-reset a
// window.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telegram-concierge/internal/domain"
	"telegram-concierge/internal/repository"
)

// Decision is the outcome of a budget check.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDenyDaily
	DecisionDenyMonthly
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDenyDaily:
		return "deny_daily"
	case DecisionDenyMonthly:
		return "deny_monthly"
	default:
		return "unknown"
	}
}

// charsPerToken is the conservative character-to-token ratio used for cost
// estimation. 4 chars/token is standard for English prose and code.
const charsPerToken = 4

// UserStore is the persistence surface the ledger needs. Implemented by
// repository.Client.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	CreateUser(ctx context.Context, userID string) (domain.User, error)
	ResetDailyWindow(ctx context.Context, userID string, observed, now time.Time) (domain.User, error)
	ResetMonthlyWindow(ctx context.Context, userID string, observed, now time.Time) (domain.User, error)
	AddUsage(ctx context.Context, userID string, tokens int64) (domain.User, error)
}

// Ledger enforces daily and monthly token caps.
type Ledger struct {
	store      UserStore
	dailyCap   int64
	monthlyCap int64
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger. Caps must be positive.
func New(store UserStore, dailyCap, monthlyCap int64, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("budget: store must not be nil")
	}
	if dailyCap <= 0 || monthlyCap <= 0 {
		return nil, errors.New("budget: caps must be positive")
	}
	l := &Ledger{
		store:      store,
		dailyCap:   dailyCap,
		monthlyCap: monthlyCap,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GetOrCreate returns the existing user record or lazily creates one with
// zero counters and reset stamps set to now.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (domain.User, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return domain.User{}, fmt.Errorf("budget: get user: %w", err)
	}
	user, err = l.store.CreateUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("budget: create user: %w", err)
	}
	return user, nil
}

// RefreshWindows zeroes any counter whose UTC calendar window has been
// crossed since its reset stamp and advances the stamp. Must be applied
// before any budget decision.
func (l *Ledger) RefreshWindows(ctx context.Context, user domain.User) (domain.User, error) {
	now := l.now()

	if !sameUTCDay(user.DailyResetAt, now) {
		updated, err := l.store.ResetDailyWindow(ctx, user.UserID, user.DailyResetAt, now)
		if err != nil {
			return domain.User{}, fmt.Errorf("budget: reset daily window: %w", err)
		}
		user = updated
	}
	if !sameUTCMonth(user.MonthlyResetAt, now) {
		updated, err := l.store.ResetMonthlyWindow(ctx, user.UserID, user.MonthlyResetAt, now)
		if err != nil {
			return domain.User{}, fmt.Errorf("budget: reset monthly window: %w", err)
		}
		user = updated
	}
	return user, nil
}

// Enforce gates a request of estimatedCost tokens against both caps. The
// monthly cap takes precedence when both are exceeded. A counter at the cap
// denies; one below it allows regardless of the estimated cost, since the
// actual cost is only known after the completion returns.
func (l *Ledger) Enforce(user domain.User, estimatedCost int64) Decision {
	if user.MonthlyTokensUsed >= l.monthlyCap {
		return DecisionDenyMonthly
	}
	if user.DailyTokensUsed >= l.dailyCap {
		return DecisionDenyDaily
	}
	return DecisionAllow
}

// RecordUsage atomically adds tokens to both counters and returns the
// updated user.
func (l *Ledger) RecordUsage(ctx context.Context, userID string, tokens int64) (domain.User, error) {
	if tokens <= 0 {
		return domain.User{}, errors.New("budget: tokens must be positive")
	}
	user, err := l.store.AddUsage(ctx, userID, tokens)
	if err != nil {
		return domain.User{}, fmt.Errorf("budget: record usage: %w", err)
	}
	return user, nil
}

// EstimateCost returns a rough token count for text using the character
// heuristic, minimum 1 for non-empty input.
func EstimateCost(text string) int64 {
	n := int64(len(text) / charsPerToken)
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func sameUTCMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}
