// Package lock serializes updates to one calendar object across pipeline
// runs, including runs in other processes.
package lock

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTimeout after which a held lock counts as abandoned
const DefaultTimeout = 300 * time.Second

// DefaultPollInterval between attempts of a blocked Acquire
const DefaultPollInterval = 100 * time.Millisecond

// ErrReleased is returned by Release when the lock had been reclaimed by
// another owner after going stale.
var ErrReleased = errors.New("lock: lock was reclaimed by another owner")

// Locker is a named mutual exclusion primitive.
type Locker interface {
	// Acquire blocks until key is free (or stale) and takes it. The
	// returned token identifies this holder to Release. It returns
	// ctx.Err() when ctx ends first.
	Acquire(ctx context.Context, key string) (string, error)
	// Release frees key if token still holds it. Releasing a key that is
	// not held is a no-op; a key reclaimed by another holder is left alone
	// and ErrReleased returned.
	Release(ctx context.Context, key, token string) error
	// Purge drops locks created before olderThan and returns how many.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Key derives the lock name of the object uid in mailbox
func Key(mailbox, uid string) string {
	sum := sha1.Sum([]byte(mailbox + "/" + uid))
	return hex.EncodeToString(sum[:])
}

// wait sleeps for d or until ctx ends
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
