package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/clock"
	"github.com/sionyx/kioskd/internal/events"
	"github.com/sionyx/kioskd/internal/metrics"
)

const (
	// DefaultCacheTTL bounds how stale a displayed balance can be.
	DefaultCacheTTL = 30 * time.Second

	// DefaultCacheSize is the balance cache capacity.
	DefaultCacheSize = 512
)

// Accounts is the slice of the account store the ledger needs.
type Accounts interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
	SetBalance(ctx context.Context, userID string, amount float64, now time.Time) error
}

// InsufficientFundsError reports a debit denied for lack of balance. It is
// a decision outcome, not a store failure.
type InsufficientFundsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %.2f, available %.2f", e.Required, e.Available)
}

// Config holds ledger configuration
type Config struct {
	CacheTTL  time.Duration
	CacheSize int
}

// Ledger tracks user balances against the shared remote store. Reads may
// be served from a short-lived cache; money decisions never are. A debit
// always re-reads the remote balance first, because another kiosk may have
// spent from the same account since the last refresh.
type Ledger struct {
	accounts Accounts
	cache    *expirable.LRU[string, float64]
	bus      *events.Bus
	clk      clock.Clock
	logger   zerolog.Logger
	mu       sync.Mutex
}

// New creates a budget ledger.
func New(accounts Accounts, cfg Config, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Ledger {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	return &Ledger{
		accounts: accounts,
		cache:    expirable.NewLRU[string, float64](cfg.CacheSize, nil, cfg.CacheTTL),
		bus:      bus,
		clk:      clk,
		logger:   logger.With().Str("component", "budget").Logger(),
	}
}

// Balance returns the user's balance, served from cache when fresh.
func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	if balance, ok := l.cache.Get(userID); ok {
		return balance, nil
	}
	return l.Refresh(ctx, userID)
}

// Refresh reads the balance from the remote store and updates the cache.
func (l *Ledger) Refresh(ctx context.Context, userID string) (float64, error) {
	acct, err := l.accounts.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	l.cache.Add(userID, acct.Balance)
	return acct.Balance, nil
}

// Debit charges amount against the user's balance. The remote balance is
// re-read immediately before the decision. With allowNegative the charge
// goes through even when it drives the balance below zero; that path is
// reserved for work that has already physically happened.
//
// On a write failure the cache is left unchanged so the next attempt
// starts from remote truth, and the returned balance is the pre-debit one.
func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, allowNegative bool) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("budget: negative debit amount %v", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.accounts.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	balance := acct.Balance

	if !allowNegative && balance < amount {
		l.cache.Add(userID, balance)
		return balance, &InsufficientFundsError{Required: amount, Available: balance}
	}

	newBalance := balance - amount
	if err := l.accounts.SetBalance(ctx, userID, newBalance, l.clk.Now()); err != nil {
		metrics.ChargeFailures.Inc()
		return balance, fmt.Errorf("failed to write balance: %w", err)
	}

	l.cache.Add(userID, newBalance)
	metrics.BudgetBalance.Set(newBalance)
	l.bus.Publish(events.Event{
		Type:    events.BudgetUpdated,
		At:      l.clk.Now(),
		UserID:  userID,
		Balance: newBalance,
	})

	l.logger.Debug().
		Str("user_id", userID).
		Float64("amount", amount).
		Float64("balance", newBalance).
		Bool("allow_negative", allowNegative).
		Msg("Debited budget")

	return newBalance, nil
}

// Credit adds amount to the user's balance, for attendant top-ups.
func (l *Ledger) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("budget: negative credit amount %v", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.accounts.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	newBalance := acct.Balance + amount
	if err := l.accounts.SetBalance(ctx, userID, newBalance, l.clk.Now()); err != nil {
		return acct.Balance, fmt.Errorf("failed to write balance: %w", err)
	}

	l.cache.Add(userID, newBalance)
	metrics.BudgetBalance.Set(newBalance)
	l.bus.Publish(events.Event{
		Type:    events.BudgetUpdated,
		At:      l.clk.Now(),
		UserID:  userID,
		Balance: newBalance,
	})

	return newBalance, nil
}
