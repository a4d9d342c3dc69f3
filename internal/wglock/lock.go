// Package wglock provides advisory file locking for the graph, registry, and
// operation-log resources, with bounded-backoff retry on contention.
package wglock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/workgraph/workgraph/internal/wgerrors"
)

// Handle represents a held advisory lock. Release is nil-safe.
type Handle struct {
	f *os.File
}

// Release unlocks and closes the underlying lock file.
func (h *Handle) Release() {
	if h == nil || h.f == nil {
		return
	}
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	_ = h.f.Close()
}

// Acquire takes an exclusive advisory lock on "<path>.lock", retrying with
// bounded exponential backoff until timeout elapses, at which point it
// returns a *wgerrors.ContendedError naming resource.
func Acquire(ctx context.Context, path string, timeout time.Duration, resource string) (*Handle, error) {
	lockPath := path + ".lock"
	if dir := filepath.Dir(lockPath); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &wgerrors.IOError{Path: lockPath, Op: "open", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = timeout

	err = backoff.Retry(func() error {
		if cerr := ctx.Err(); cerr != nil {
			return backoff.Permanent(cerr)
		}
		ferr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if ferr == nil {
			return nil
		}
		if ferr == unix.EWOULDBLOCK {
			return ferr
		}
		return backoff.Permanent(ferr)
	}, backoff.WithContext(b, ctx))

	if err != nil {
		_ = f.Close()
		return nil, &wgerrors.ContendedError{Resource: resource, Timeout: fmt.Sprintf("%s", timeout)}
	}

	return &Handle{f: f}, nil
}

// With acquires the named resource's lock, runs fn, and releases the lock
// whether or not fn returns an error.
func With(ctx context.Context, path string, timeout time.Duration, resource string, fn func() error) error {
	h, err := Acquire(ctx, path, timeout, resource)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
