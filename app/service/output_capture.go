package service

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture is an io.Writer keeping the last N lines of combined
// stdout+stderr from a sync command, used for the job result and for
// failure notifications. Thread safe for concurrent writes.
type OutputCapture struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

// NewOutputCapture creates a capture limited to max lines, 0 disables
// capturing entirely.
func NewOutputCapture(maxLines int) *OutputCapture {
	return &OutputCapture{maxLines: maxLines}
}

// Write keeps the last maxLines lines, dropping the oldest on overflow.
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines == 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns the captured output joined back into a single string.
func (o *OutputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// LastLine returns the most recent captured line, empty if none.
func (o *OutputCapture) LastLine() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.lines) == 0 {
		return ""
	}
	return o.lines[len(o.lines)-1]
}
