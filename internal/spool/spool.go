// Package spool defines the print spooler surface the kiosk monitors.
//
// A Spooler exposes the live job queues of the machine's printers and
// the control verbs (pause, resume, cancel) the interception engine
// needs. Platform backends adapt the local spooler API to this
// interface; the sim subpackage provides an in-memory backend for
// tests.
package spool

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id is no longer present in the
// printer's queue. Jobs vanish on their own when printing completes or
// a user cancels from the system UI, so callers must treat this as a
// normal outcome, not a fault.
var ErrJobNotFound = errors.New("spool: job not found")

// DevMode field validity bits. A device settings block is only
// trusted for a given field when the matching bit is set.
const (
	FieldCopies uint32 = 0x00000100
	FieldColor  uint32 = 0x00000800
)

// ColorMode is the device color selection carried in DevMode.
type ColorMode int32

const (
	ColorMonochrome ColorMode = 1
	ColorColor      ColorMode = 2
)

// DevMode carries the subset of the driver's device settings that
// affects job pricing. Fields is a bitmask; a value is only valid when
// its bit is present.
type DevMode struct {
	Fields uint32
	Copies int
	Color  ColorMode
}

// EffectiveCopies returns the copy count to bill for, defaulting to 1
// when the block is absent, the copies bit is unset, or the stored
// value is not positive.
func (d *DevMode) EffectiveCopies() int {
	if d == nil || d.Fields&FieldCopies == 0 || d.Copies < 1 {
		return 1
	}
	return d.Copies
}

// IsColor reports whether the job should be billed at the color rate.
// Only an explicitly valid color selection counts; everything else is
// monochrome.
func (d *DevMode) IsColor() bool {
	if d == nil || d.Fields&FieldColor == 0 {
		return false
	}
	return d.Color == ColorColor
}

// JobInfo is a point-in-time view of a queued job.
type JobInfo struct {
	ID           uint32
	Document     string
	Owner        string
	Pages        int
	PagesPrinted int
	Submitted    time.Time
	DevMode      *DevMode
}

// Spooler is the platform print queue surface.
//
// JobIDs and Job read the live queue; Pause freezes a job before it
// reaches the device, Resume releases it, Cancel removes it. All
// calls address a job by printer name and spooler-assigned id.
type Spooler interface {
	// Printers lists the names of the printers visible to the agent.
	Printers(ctx context.Context) ([]string, error)

	// JobIDs returns the ids currently queued on the named printer.
	JobIDs(ctx context.Context, printer string) ([]uint32, error)

	// Job fetches the current state of one job. Returns ErrJobNotFound
	// once the job has left the queue.
	Job(ctx context.Context, printer string, id uint32) (*JobInfo, error)

	// Pause freezes the job in the queue.
	Pause(ctx context.Context, printer string, id uint32) error

	// Resume releases a paused job to the device.
	Resume(ctx context.Context, printer string, id uint32) error

	// Cancel removes the job from the queue.
	Cancel(ctx context.Context, printer string, id uint32) error

	// Subscribe opens a change notification handle for the spooler.
	// Backends that cannot notify may return an error; the monitor
	// falls back to polling alone.
	Subscribe() (Notification, error)
}

// Notification is a spooler change signal.
type Notification interface {
	// Wait blocks until the spooler reports a change or the timeout
	// elapses. It returns true when a change fired, false on timeout.
	Wait(timeout time.Duration) (bool, error)

	// Close releases the handle. Wait returns an error after Close.
	Close() error
}
