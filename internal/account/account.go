package account

import "time"

// Account is the typed view of a user record in the remote store. Every
// kiosk in the fleet reads and writes the same record, so UpdatedAt doubles
// as the liveness heartbeat for crash recovery.
type Account struct {
	UserID           string
	Balance          float64
	RemainingSeconds int64
	SessionActive    bool
	SessionComputer  string
	SessionStart     time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time // zero when the account never expires
}

// Expired reports whether the account's paid time window has closed.
func (a *Account) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// Pricing is the fleet-wide per-page price sheet.
type Pricing struct {
	BWPerPage    float64
	ColorPerPage float64
}
