package account

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sionyx/kioskd/internal/remote"
)

const pricingPath = "meta/pricing"

// Store wraps the remote client with the account and pricing record
// codecs. It has no state of its own; every call goes to the shared store.
type Store struct {
	client remote.Client
}

// NewStore creates an account store over the given remote client.
func NewStore(client remote.Client) *Store {
	return &Store{client: client}
}

func userPath(userID string) string {
	return "users/" + userID
}

// Get retrieves a user's account record.
func (s *Store) Get(ctx context.Context, userID string) (*Account, error) {
	rec, err := s.client.Get(ctx, userPath(userID))
	if err != nil {
		return nil, err
	}
	return parseAccount(userID, rec)
}

// BeginSession marks the account as actively in use on the given computer.
func (s *Store) BeginSession(ctx context.Context, userID, computerID string, start time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"session_active":   "1",
		"session_computer": computerID,
		"session_start":    start.UTC().Format(time.RFC3339Nano),
		"updated_at":       start.UTC().Format(time.RFC3339Nano),
	})
}

// WriteRemaining persists the current remaining seconds. The updated_at
// stamp is the heartbeat other kiosks use to spot crashed sessions.
func (s *Store) WriteRemaining(ctx context.Context, userID string, seconds int64, now time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"remaining_seconds": strconv.FormatInt(seconds, 10),
		"updated_at":        now.UTC().Format(time.RFC3339Nano),
	})
}

// FinishSession writes the final remaining seconds and releases the seat.
func (s *Store) FinishSession(ctx context.Context, userID string, seconds int64, now time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"remaining_seconds": strconv.FormatInt(seconds, 10),
		"session_active":    "0",
		"session_computer":  "",
		"session_start":     "",
		"updated_at":        now.UTC().Format(time.RFC3339Nano),
	})
}

// ZeroRemaining clears the remaining time of an expired account.
func (s *Store) ZeroRemaining(ctx context.Context, userID string, now time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"remaining_seconds": "0",
		"updated_at":        now.UTC().Format(time.RFC3339Nano),
	})
}

// ReleaseOrphan clears the active flag of a session whose kiosk stopped
// heartbeating. remaining_seconds is deliberately left alone: the user
// already paid for that time and the dead kiosk cannot have consumed it.
func (s *Store) ReleaseOrphan(ctx context.Context, userID string, now time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"session_active":   "0",
		"session_computer": "",
		"session_start":    "",
		"updated_at":       now.UTC().Format(time.RFC3339Nano),
	})
}

// SetBalance writes a new balance for the user.
func (s *Store) SetBalance(ctx context.Context, userID string, amount float64, now time.Time) error {
	return s.client.Update(ctx, userPath(userID), remote.Record{
		"balance":    formatAmount(amount),
		"updated_at": now.UTC().Format(time.RFC3339Nano),
	})
}

// Pricing retrieves the fleet-wide price sheet.
func (s *Store) Pricing(ctx context.Context) (*Pricing, error) {
	rec, err := s.client.Get(ctx, pricingPath)
	if err != nil {
		return nil, err
	}

	bw, err := fieldFloat(rec, "bw_price_per_page")
	if err != nil {
		return nil, err
	}
	color, err := fieldFloat(rec, "color_price_per_page")
	if err != nil {
		return nil, err
	}

	return &Pricing{BWPerPage: bw, ColorPerPage: color}, nil
}

// parseAccount converts a remote record to an Account.
func parseAccount(userID string, rec remote.Record) (*Account, error) {
	balance, err := fieldFloat(rec, "balance")
	if err != nil {
		return nil, err
	}

	remaining, err := fieldInt64(rec, "remaining_seconds")
	if err != nil {
		return nil, err
	}

	sessionStart, err := fieldTime(rec, "session_start")
	if err != nil {
		return nil, err
	}

	updatedAt, err := fieldTime(rec, "updated_at")
	if err != nil {
		return nil, err
	}

	expiresAt, err := fieldTime(rec, "expires_at")
	if err != nil {
		return nil, err
	}

	return &Account{
		UserID:           userID,
		Balance:          balance,
		RemainingSeconds: remaining,
		SessionActive:    rec["session_active"] == "1",
		SessionComputer:  rec["session_computer"],
		SessionStart:     sessionStart,
		UpdatedAt:        updatedAt,
		ExpiresAt:        expiresAt,
	}, nil
}

// fieldFloat parses a decimal field. Absent fields read as zero; records
// written by older agents may not carry every field.
func fieldFloat(rec remote.Record, name string) (float64, error) {
	raw, ok := rec[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return v, nil
}

func fieldInt64(rec remote.Record, name string) (int64, error) {
	raw, ok := rec[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return v, nil
}

func fieldTime(rec remote.Record, name string) (time.Time, error) {
	raw, ok := rec[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	v, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return v, nil
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
