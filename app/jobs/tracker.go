// Package jobs implements an in-memory registry of asynchronous sync jobs.
// Records live for the process lifetime only; a background sweep evicts
// terminal jobs after the retention window to bound memory growth.
package jobs

import (
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// Status of a job. Transitions are append-only, terminal states are final.
type Status string

// job statuses
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports if the status is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Progress is the latest progress snapshot reported by a running job.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Job is a tracked unit of work. Values returned by the tracker are
// snapshot copies, mutating them has no effect on the registry.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	Result      *Result    `json:"result,omitempty"`

	seq uint64 // creation sequence, breaks CreatedAt ties in List
}

// TrackerParams sets retention and sweep cadence. Zero values get defaults.
type TrackerParams struct {
	Retention     time.Duration // how long terminal jobs are kept, default 24h
	SweepInterval time.Duration // how often the sweep runs, default 1h
}

// Tracker is a thread-safe job registry with TTL-based eviction.
type Tracker struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	seq    uint64
	params TrackerParams

	done     chan struct{}
	stopOnce sync.Once
}

// NewTracker makes a tracker and starts the background sweep.
func NewTracker(params TrackerParams) *Tracker {
	if params.Retention <= 0 {
		params.Retention = 24 * time.Hour
	}
	if params.SweepInterval <= 0 {
		params.SweepInterval = time.Hour
	}
	t := &Tracker{jobs: map[string]*Job{}, params: params, done: make(chan struct{})}
	go t.sweepLoop()
	return t
}

// Close stops the sweep and drops all records. Safe to call multiple times.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	t.jobs = map[string]*Job{}
	t.mu.Unlock()
}

// Create registers a new pending job and returns its id.
func (t *Tracker) Create(jobType string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		seq:       t.seq,
	}
	t.jobs[job.ID] = job
	log.Printf("[DEBUG] job %s created, type %s", job.ID, jobType)
	return job.ID
}

// Get returns a snapshot of the job. Second value is false if not found.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// SetStatus moves the job to the given status. Unknown ids are ignored,
// this is a harmless race with concurrent delete or sweep. Switching to
// running sets StartedAt once, terminal statuses set CompletedAt and
// store the result. Terminal states are final, later updates are dropped.
func (t *Tracker) SetStatus(id string, status Status, result *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return
	}
	if job.Status.Terminal() {
		log.Printf("[WARN] job %s already %s, ignore switch to %s", id, job.Status, status)
		return
	}

	now := time.Now()
	job.Status = status
	if status == StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
		if result != nil {
			r := *result
			job.Result = &r
		}
	}
}

// SetProgress overwrites the progress snapshot. Unknown ids are ignored.
func (t *Tracker) SetProgress(id string, current, total int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return
	}
	job.Progress = &Progress{Current: current, Total: total, Message: message}
}

// List returns snapshots of all jobs, newest first. Order is strict even
// for jobs created within the same clock tick.
func (t *Tracker) List() []Job {
	t.mu.Lock()
	res := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		res = append(res, job.snapshot())
	}
	t.mu.Unlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].seq > res[j].seq
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}

// ListByType returns jobs of the given type, newest first.
func (t *Tracker) ListByType(jobType string) []Job {
	return t.filter(func(j Job) bool { return j.Type == jobType })
}

// ListByStatus returns jobs with the given status, newest first.
func (t *Tracker) ListByStatus(status Status) []Job {
	return t.filter(func(j Job) bool { return j.Status == status })
}

// Delete removes the job, returns true if it existed.
func (t *Tracker) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; !ok {
		return false
	}
	delete(t.jobs, id)
	return true
}

func (t *Tracker) filter(keep func(Job) bool) []Job {
	all := t.List()
	res := make([]Job, 0, len(all))
	for _, j := range all {
		if keep(j) {
			res = append(res, j)
		}
	}
	return res
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.params.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if n := t.sweep(time.Now()); n > 0 {
				log.Printf("[INFO] swept %d expired jobs", n)
			}
		}
	}
}

// sweep removes terminal jobs completed before now-retention, returns the
// number of evicted records.
func (t *Tracker) sweep(now time.Time) int {
	cutoff := now.Add(-t.params.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// snapshot deep-copies the record so callers can't reach internal state.
func (j *Job) snapshot() Job {
	res := *j
	if j.StartedAt != nil {
		ts := *j.StartedAt
		res.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		res.CompletedAt = &ts
	}
	if j.Progress != nil {
		p := *j.Progress
		res.Progress = &p
	}
	if j.Result != nil {
		r := *j.Result
		res.Result = &r
	}
	return res
}
