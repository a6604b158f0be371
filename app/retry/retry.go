// Package retry classifies errors from remote sync operations, decides
// retry eligibility with exponential backoff and keeps aggregate error
// stats for reporting. Permanent failures are never retried, transient
// ones back off exponentially, unrecognized ones get a short leash.
package retry

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Category of a classified error.
type Category string

// error categories
const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryUnknown   Category = "unknown"
)

// Decision is the outcome of a single retry consultation.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Record is an aggregated error entry, keyed by operation and message.
type Record struct {
	Operation string            `json:"operation"`
	Message   string            `json:"message"`
	Category  Category          `json:"category"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Resolved  bool              `json:"resolved"`
	Count     int               `json:"count"`
}

// Report aggregates recorded errors for diagnostics.
type Report struct {
	TotalErrors int              `json:"total_errors"`
	ByCategory  map[Category]int `json:"errors_by_category"`
	ByOperation map[string]int   `json:"errors_by_operation"`
	Top         []Record         `json:"top_errors"`
}

// Options tunes the manager. Zero values get defaults.
type Options struct {
	Quiet      bool          // suppress logging of recorded errors, logs by default
	MaxRetries int           // attempts allowed for transient errors, default 3
	BaseDelay  time.Duration // first backoff step, default 1s
	MaxDelay   time.Duration // backoff ceiling, default 30s
}

// unknown errors get fewer attempts than transient ones, a separate
// policy from MaxRetries
const maxUnknownRetries = 2

const topErrorsLimit = 10

// Manager classifies, records and retries. Thread safe.
type Manager struct {
	opts    Options
	mu      sync.Mutex
	records map[string]*Record // keyed by operation \n message
}

// NewManager makes a manager with the given options, filling defaults.
func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Manager{opts: opts, records: map[string]*Record{}}
}

var transientSignatures = []string{
	"econnreset", "econnrefused", "etimedout", "epipe", "socket hang up",
	"connection reset", "timeout", "network", "rate limit", "too many requests",
	"429", "502", "503", "504",
}

var permanentSignatures = []string{
	"401", "403", "404", "unauthorized", "forbidden", "not found",
	"invalid json", "parse error", "malformed",
}

// Classify maps an error to a category by message signature. Nil errors
// and anything unrecognized are unknown.
func (m *Manager) Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return CategoryTransient
		}
	}
	for _, sig := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return CategoryPermanent
		}
	}
	return CategoryUnknown
}

// RecordError registers a failure of operation, incrementing the count for
// repeated (operation, message) pairs.
func (m *Manager) RecordError(operation string, err error, ctxInfo map[string]string) {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	category := m.Classify(err)

	m.mu.Lock()
	key := operation + "\n" + msg
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{Operation: operation, Message: msg, Category: category}
		m.records[key] = rec
	}
	rec.Count++
	rec.Timestamp = time.Now()
	rec.Resolved = false
	if ctxInfo != nil {
		rec.Context = maps.Clone(ctxInfo) // detach from the caller's map
	}
	seen := rec.Count
	m.mu.Unlock()

	if !m.opts.Quiet {
		log.Printf("[WARN] %s failed (%s, seen %d): %s", operation, category, seen, msg)
	}
}

// ShouldRetry decides if operation should be retried after err on the
// given zero-based attempt, and how long to wait before that.
func (m *Manager) ShouldRetry(operation string, err error, attempt int) Decision {
	category := m.Classify(err)

	if category == CategoryPermanent {
		return Decision{Reason: "permanent error"}
	}
	if attempt >= m.opts.MaxRetries {
		return Decision{Reason: "max retries exceeded"}
	}
	if category == CategoryUnknown && attempt >= maxUnknownRetries {
		return Decision{Reason: "unknown error retry cap reached"}
	}

	delay := m.opts.BaseDelay << uint(attempt) //nolint:gosec // attempt is small, bounded by MaxRetries
	if delay > m.opts.MaxDelay || delay <= 0 {
		delay = m.opts.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}

// Do runs fn and retries per ShouldRetry, sleeping the decided delay
// between attempts. Once declined it records the failure and returns the
// last error as is, without wrapping.
func (m *Manager) Do(ctx context.Context, operation string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		decision := m.ShouldRetry(operation, err, attempt)
		if !decision.Retry {
			m.RecordError(operation, err, nil)
			log.Printf("[DEBUG] %s gave up after attempt %d: %s", operation, attempt, decision.Reason)
			return err
		}

		log.Printf("[DEBUG] %s retry %d in %v", operation, attempt+1, decision.Delay)
		select {
		case <-ctx.Done():
			m.RecordError(operation, err, nil)
			return err
		case <-time.After(decision.Delay):
		}
	}
}

// GetReport returns the aggregate error view. Top is sorted by descending
// occurrence count, capped at 10 entries.
func (m *Manager) GetReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := Report{ByCategory: map[Category]int{}, ByOperation: map[string]int{}}
	for _, rec := range m.records {
		res.TotalErrors += rec.Count
		res.ByCategory[rec.Category] += rec.Count
		res.ByOperation[rec.Operation] += rec.Count
		res.Top = append(res.Top, rec.snapshot())
	}
	sort.Slice(res.Top, func(i, j int) bool { return res.Top[i].Count > res.Top[j].Count })
	if len(res.Top) > topErrorsLimit {
		res.Top = res.Top[:topErrorsLimit]
	}
	return res
}

// snapshot copies the record so callers can't reach internal state.
func (r *Record) snapshot() Record {
	res := *r
	res.Context = maps.Clone(r.Context)
	return res
}

// MarkResolved flags all unresolved records of the operation.
func (m *Manager) MarkResolved(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Operation == operation {
			rec.Resolved = true
		}
	}
}

// UnresolvedCount returns the number of distinct unresolved records.
func (m *Manager) UnresolvedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.records {
		if !rec.Resolved {
			count++
		}
	}
	return count
}

// Clear drops all recorded errors.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = map[string]*Record{}
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide shared manager, creating it lazily.
// Prefer passing a Manager explicitly, this exists for callers without
// access to the wired instance.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(Options{})
	}
	return defaultManager
}

// ResetDefault replaces the shared manager with a fresh one, used to
// isolate independent runtime lifetimes.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = NewManager(Options{})
}
