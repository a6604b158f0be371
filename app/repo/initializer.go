// Package repo manages the local git working copy of the content
// repository: one-time shallow clone with identity setup, serialized
// through a cross-process file lock, plus commit/push of sync results.
// Concurrent initialization requests for the same directory coalesce
// into a single execution.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/sync/singleflight"

	"github.com/contentsync/syncd/app/lock"
)

// Config defines the remote and local identity of the working copy.
// All values come from the environment, see main.
type Config struct {
	URL          string // remote repository url
	Branch       string // content branch to clone and push
	Token        string // access token, embedded into the clone url if set
	Dir          string // local working directory
	AuthorName   string
	AuthorEmail  string
	CommitPrefix string // prepended to every commit message

	LockRetryInterval time.Duration // passed to lock.Acquire
	ShouldAbort       func() bool   // cooperative cancellation for lock waits
}

// Runner executes a git command. Split out for testing, the default runs
// the real binary.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// Initializer ensures the working copy exists and pushes changes back.
type Initializer struct {
	Config
	Runner Runner

	group singleflight.Group
}

// New makes an initializer with the real git runner.
func New(cfg Config) *Initializer {
	return &Initializer{Config: cfg, Runner: &ExecRunner{}}
}

// Initialize makes sure the working directory contains a cloned repo.
// Safe to call concurrently, all callers active at the same time share a
// single underlying execution and its outcome. Idempotent.
func (s *Initializer) Initialize(ctx context.Context) error {
	_, err, shared := s.group.Do(s.Dir, func() (any, error) {
		return nil, s.initialize(ctx)
	})
	if shared {
		log.Printf("[DEBUG] initialize for %s joined in-flight execution", s.Dir)
	}
	return err
}

func (s *Initializer) initialize(ctx context.Context) error {
	if s.initialized() {
		return nil
	}

	lk, err := lock.Acquire(ctx, s.lockPath(),
		lock.Options{RetryInterval: s.LockRetryInterval, ShouldAbort: s.ShouldAbort})
	if err != nil {
		return err
	}
	defer lk.Release()

	if s.initialized() { // someone else cloned while we waited for the lock
		return nil
	}

	log.Printf("[INFO] cloning %s (branch %s) into %s", s.URL, s.Branch, s.Dir)
	if err := s.git(ctx, "", "clone", "--branch", s.Branch, "--single-branch", "--depth", "1",
		s.cloneURL(), s.Dir); err != nil {
		return err
	}
	if err := s.git(ctx, s.Dir, "config", "user.name", s.AuthorName); err != nil {
		return err
	}
	if err := s.git(ctx, s.Dir, "config", "user.email", s.AuthorEmail); err != nil {
		return err
	}
	if err := s.git(ctx, s.Dir, "config", "push.default", "current"); err != nil {
		return err
	}
	log.Printf("[INFO] working copy ready in %s", s.Dir)
	return nil
}

// CommitPush stages everything, commits with the configured prefix and
// pushes the content branch. No-op if the working copy is clean.
func (s *Initializer) CommitPush(ctx context.Context, message string) error {
	status, _, err := s.Runner.Run(ctx, s.Dir, "status", "--porcelain")
	if err != nil {
		return s.wrap([]string{"status", "--porcelain"}, err)
	}
	if strings.TrimSpace(status) == "" {
		log.Printf("[DEBUG] nothing to commit in %s", s.Dir)
		return nil
	}

	if err := s.git(ctx, s.Dir, "add", "-A"); err != nil {
		return err
	}
	msg := message
	if s.CommitPrefix != "" {
		msg = s.CommitPrefix + " " + message
	}
	if err := s.git(ctx, s.Dir, "commit", "-m", msg); err != nil {
		return err
	}
	if err := s.git(ctx, s.Dir, "push", "origin", s.Branch); err != nil {
		return err
	}
	log.Printf("[INFO] pushed %q to %s", msg, s.Branch)
	return nil
}

// initialized checks for version-control metadata in the working dir.
func (s *Initializer) initialized() bool {
	st, err := os.Stat(filepath.Join(s.Dir, ".git"))
	return err == nil && st.IsDir()
}

func (s *Initializer) lockPath() string { return s.Dir + ".lock" }

// cloneURL embeds the access token into https remotes.
func (s *Initializer) cloneURL() string {
	if s.Token == "" {
		return s.URL
	}
	if rest, ok := strings.CutPrefix(s.URL, "https://"); ok {
		return "https://x-access-token:" + s.Token + "@" + rest
	}
	return s.URL
}

func (s *Initializer) git(ctx context.Context, dir string, args ...string) error {
	_, stderr, err := s.Runner.Run(ctx, dir, args...)
	if err != nil {
		return &GitError{Args: args, Stderr: stderr, Err: err}
	}
	return nil
}

func (s *Initializer) wrap(args []string, err error) error {
	if err == nil {
		return nil
	}
	return &GitError{Args: args, Err: err}
}

// GitError indicates a failed git invocation, with captured stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed: %v", strings.Join(redactArgs(e.Args), " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *GitError) Unwrap() error { return e.Err }

// redactArgs hides embedded tokens from error messages and logs.
func redactArgs(args []string) []string {
	res := make([]string, len(args))
	for i, a := range args {
		if strings.Contains(a, "x-access-token:") {
			if idx := strings.Index(a, "@"); idx > 0 {
				a = "https://x-access-token:***" + a[idx:]
			}
		}
		res[i] = a
	}
	return res
}
