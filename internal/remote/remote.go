package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a record is missing from the remote store.
var ErrNotFound = errors.New("remote: record not found")

// ErrNotAuthenticated is returned when the remote store rejects the
// client's credentials.
var ErrNotAuthenticated = errors.New("remote: not authenticated")

// ErrUnavailable is returned when the remote store cannot be reached or a
// request fails at the transport level.
var ErrUnavailable = errors.New("remote: store unavailable")

// Record is the flat field map a remote path resolves to. All values are
// strings; typed access lives in the account package.
type Record map[string]string

// Client is the remote state store shared by every kiosk in the fleet. All
// kiosks read and write the same records, so writes must be immediately
// visible to subsequent reads.
type Client interface {
	// Get returns the record at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Record, error)

	// Set replaces the whole record at path. Fields absent from rec are
	// removed.
	Set(ctx context.Context, path string, rec Record) error

	// Update merge-patches the record at path: listed fields are written,
	// everything else is left untouched. Updating a missing record creates
	// it.
	Update(ctx context.Context, path string, fields Record) error

	// Delete removes the record at path. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, path string) error

	Close() error
}

// ValidatePath rejects empty paths and paths with blank segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("remote: empty path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("remote: path %q has an empty segment", path)
		}
	}
	return nil
}
