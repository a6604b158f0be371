// Package lock provides cross-process mutual exclusion based on atomic
// exclusive creation of a marker file. At most one process holds the lock
// for a given path at any moment, no matter how many race to acquire it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// ErrCancelled returned when the caller aborts acquisition while waiting
// for a contended lock. No filesystem mutation is made in this case.
var ErrCancelled = errors.New("job cancelled by user")

// AcquireError indicates the lock file can't be created for a reason other
// than contention, e.g. missing parent directory or permissions.
type AcquireError struct {
	Path    string
	Details string
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("can't acquire lock %s: %s", e.Path, e.Details)
}

// Lock is a held filesystem lock. Release removes the marker file.
type Lock struct {
	path    string
	fh      *os.File
	release sync.Once
}

// Options controls acquisition behavior. Zero value is usable.
type Options struct {
	RetryInterval time.Duration // wait between contention retries, default 1s
	ShouldAbort   func() bool   // polled before each retry, nil means never abort
}

// Acquire creates the lock file at path with O_CREATE|O_EXCL. If the file
// already exists it waits and retries until creation succeeds, the context
// is done, or ShouldAbort reports true. Retries are unbounded otherwise.
// Any non-contention creation error fails immediately with AcquireError.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // lock marker, not sensitive
		if err == nil {
			log.Printf("[DEBUG] acquired lock %s", path)
			return &Lock{path: path, fh: fh}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, &AcquireError{Path: path, Details: err.Error()}
		}

		// contention, someone else holds the lock
		log.Printf("[DEBUG] lock %s is busy, retry in %v", path, interval)
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(interval):
		}
		if opts.ShouldAbort != nil && opts.ShouldAbort() {
			return nil, ErrCancelled
		}
	}
}

// Release closes the handle and removes the lock file. Safe to call
// multiple times and tolerates the file being removed already.
func (l *Lock) Release() {
	l.release.Do(func() {
		if l.fh != nil {
			if err := l.fh.Close(); err != nil {
				log.Printf("[WARN] can't close lock file %s, %v", l.path, err)
			}
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[WARN] can't remove lock file %s, %v", l.path, err)
			return
		}
		log.Printf("[DEBUG] released lock %s", l.path)
	})
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }
