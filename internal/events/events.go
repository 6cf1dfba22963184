package events

import "time"

// Type identifies the kind of event emitted by the attendant core.
type Type string

const (
	// Session lifecycle
	SessionStarted Type = "session_started"
	TimeUpdated    Type = "time_updated"
	SessionEnded   Type = "session_ended"
	Warning5Min    Type = "warning_5min"
	Warning1Min    Type = "warning_1min"
	SyncFailed     Type = "sync_failed"
	SyncRestored   Type = "sync_restored"

	// Printing and budget
	JobAllowed    Type = "job_allowed"
	JobBlocked    Type = "job_blocked"
	BudgetUpdated Type = "budget_updated"

	// Non-fatal failures the shell should surface to the attendant
	ErrorOccurred Type = "error_occurred"
)

// Event is a single notification to the embedding shell (immutable value
// type). Only the fields relevant to the Type are populated; the rest keep
// their zero values.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	// Session fields
	SessionID        string `json:"session_id,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
	UsedSeconds      int64  `json:"used_seconds,omitempty"`

	// Printing fields
	Printer  string `json:"printer,omitempty"`
	JobID    uint32 `json:"job_id,omitempty"`
	Document string `json:"document,omitempty"`
	Pages    int    `json:"pages,omitempty"`
	Copies   int    `json:"copies,omitempty"`
	Color    bool   `json:"color,omitempty"`

	// Money fields
	Cost    float64 `json:"cost,omitempty"`
	Balance float64 `json:"balance,omitempty"`

	// Failure context
	Scope   string `json:"scope,omitempty"`
	Message string `json:"message,omitempty"`
}
