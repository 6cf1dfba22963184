// Package session implements the kiosk session lifecycle: the
// drift-free countdown, the periodic remote sync heartbeat, and
// recovery of sessions a crashed kiosk left marked active.
package session

import (
	"errors"
	"time"
)

// Warning thresholds in seconds of remaining time. Each fires at most
// once per session, on the first tick that observes remaining time at
// or below the threshold.
const (
	WarnThreshold5Min = 300
	WarnThreshold1Min = 60
)

// Defaults for Config fields left at their zero value.
const (
	DefaultTickInterval     = 250 * time.Millisecond
	DefaultSyncInterval     = time.Minute
	DefaultOrphanAge        = 2 * time.Minute
	DefaultOfflineThreshold = 3
)

// EndReason says why a session ended.
type EndReason string

const (
	ReasonUser       EndReason = "user"
	ReasonExpired    EndReason = "expired"
	ReasonLogout     EndReason = "logout"
	ReasonHours      EndReason = "hours"
	ReasonHoursForce EndReason = "hours_force"
	ReasonError      EndReason = "error"
)

var (
	// ErrAlreadyActive is returned by Start while a session is running.
	ErrAlreadyActive = errors.New("session: a session is already active")

	// ErrNotActive is returned by End when no session is running.
	ErrNotActive = errors.New("session: no active session")

	// ErrNoTime is returned by Start when the account has no seconds
	// left to spend.
	ErrNoTime = errors.New("session: no time left on account")

	// ErrTimeExpired is returned by Start when the account validity
	// date has passed. The remote record's remaining time is zeroed as
	// a side effect.
	ErrTimeExpired = errors.New("session: account time expired")
)

// Config holds session timing parameters.
type Config struct {
	// ComputerID identifies this seat in the shared store.
	ComputerID string

	// TickInterval is how often the countdown is re-evaluated.
	TickInterval time.Duration

	// SyncInterval is how often remaining time is written to the
	// remote store while a session runs.
	SyncInterval time.Duration

	// OrphanAge is how stale a remote session heartbeat must be before
	// RecoverOrphan releases the record.
	OrphanAge time.Duration

	// OfflineThreshold is the number of consecutive sync failures at
	// which the session is reported offline.
	OfflineThreshold int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = DefaultOrphanAge
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = DefaultOfflineThreshold
	}
}

// Status is a point-in-time snapshot of the manager. The session
// fields are only meaningful while Active is true.
type Status struct {
	Active           bool
	SessionID        string
	UserID           string
	RemainingSeconds int64
	UsedSeconds      int64
	Online           bool
}
