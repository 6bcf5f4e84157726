// Package lock serializes mutations of a single project across requests.
package lock

import (
	"context"
	"errors"
)

// ErrBusy is returned when a key stays held for longer than the caller is
// willing to wait.
var ErrBusy = errors.New("lock busy")

// Release gives a held key back. It is safe to call once.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// ProjectKey names the lock guarding one project's lifecycle state.
func ProjectKey(projectID string) string {
	return "project:" + projectID
}
