// Package service provides the top level sync orchestrator. It combines
// the cron scheduler, sources parser, job tracker, error manager and the
// repository initializer, and runs the configured sync commands.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"reflect"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/contentsync/syncd/app/jobs"
	"github.com/contentsync/syncd/app/retry"
	"github.com/contentsync/syncd/app/sources"
)

// Scheduler is the top-level service wiring cron, sources, tracker and
// repo together and providing the main blocking entry point.
type Scheduler struct {
	Cron
	Parser            SourcesParser
	UpdatesEnabled    bool
	Tracker           Tracker
	Errors            ErrorManager
	RetryDefaults     retry.Options
	Repo              Repo
	Pusher            Repeater // transport-level retry around commit/push
	Notifier          Notifier
	ConditionChecker  ConditionChecker
	DeDup             Dedupper
	HostName          string
	MaxLogLines       int
	EnableLogPrefix   bool
	Stdout            io.Writer
	NotifyTimeout     time.Duration
	Requests          chan Request // manual runs submitted through the API
	InitialResync     bool         // run every scheduled source once on start
	ResyncConcurrency int
}

// Request asks for an immediate run of a configured source. JobID refers
// to a pre-created tracker record owned by the submitter.
type Request struct {
	JobID  string
	Source string
}

// Tracker defines the job registry operations used by the scheduler.
type Tracker interface {
	Create(jobType string) string
	SetStatus(id string, status jobs.Status, result *jobs.Result)
	SetProgress(id string, current, total int, message string)
}

// ErrorManager wraps an operation in classify-and-retry logic.
type ErrorManager interface {
	Do(ctx context.Context, operation string, fn func() error) error
}

// Repo manages the git working copy.
type Repo interface {
	Initialize(ctx context.Context) error
	CommitPush(ctx context.Context, message string) error
}

// SourcesParser loads source specs and reports file changes.
type SourcesParser interface {
	String() string
	List() ([]sources.Spec, error)
	Changes(ctx context.Context) (<-chan []sources.Spec, error)
}

// Cron defines the subset of robfig/cron used by the scheduler.
type Cron interface {
	Start()
	Stop() context.Context
	Entries() []cron.Entry
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

// Notifier delivers notifications on finished runs.
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(host, source, jobType, errorLog string) (string, error)
	MakeCompletionHTML(host, source, jobType string) (string, error)
}

// Dedupper prevents double registration of the same run.
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) (err error)
}

// ConditionChecker verifies pre-run conditions for a source.
type ConditionChecker interface {
	Check(cond sources.Conditions) (bool, string)
}

// Do runs the blocking scheduler until the context is done.
func (s *Scheduler) Do(ctx context.Context) {
	if s.Stdout == nil {
		s.Stdout = os.Stdout
	}
	if s.ResyncConcurrency <= 0 {
		s.ResyncConcurrency = 1
	}

	if err := s.Repo.Initialize(ctx); err != nil {
		log.Printf("[WARN] can't prepare working copy, %v", err)
	}

	if s.UpdatesEnabled {
		log.Printf("[INFO] updater activated for %s", s.Parser.String())
		go s.reload(ctx)
	}
	if s.Requests != nil {
		go s.listenRequests(ctx)
	}

	if err := s.loadFromParser(ctx); err != nil {
		log.Printf("[WARN] can't load sources, %v", err)
		return
	}

	if s.InitialResync {
		s.resyncAll(ctx)
	}

	s.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate")
	<-s.Stop().Done()
}

// schedule makes a cron entry for a source with a schedule. Manual-only
// sources (empty schedule) are skipped, the API can still trigger them.
func (s *Scheduler) schedule(ctx context.Context, spec sources.Spec) error {
	if spec.Schedule == "" {
		log.Printf("[INFO] source %q is manual-only", spec.Name)
		return nil
	}
	sched, err := cron.ParseStandard(spec.Schedule)
	if err != nil {
		return fmt.Errorf("can't parse %s: %w", spec.Schedule, err)
	}

	id := s.Schedule(sched, s.jobFunc(ctx, spec, sched))
	log.Printf("[INFO] scheduled %s, first: %s (%v)", s.describe(spec),
		sched.Next(time.Now()).Format(time.RFC3339), id)
	return nil
}

type schedule interface {
	Next(time.Time) time.Time
}

func (s *Scheduler) jobFunc(ctx context.Context, spec sources.Spec, sched schedule) cron.FuncJob {
	return func() {
		log.Printf("[INFO] executing %s", s.describe(spec))
		if err := s.runSource(ctx, spec, ""); err != nil {
			log.Printf("[WARN] sync failed: %s, %v", s.describe(spec), err)
		} else {
			log.Printf("[INFO] completed %s", s.describe(spec))
		}
		log.Printf("[INFO] next: %s, %s", sched.Next(time.Now()).Format(time.RFC3339), s.describe(spec))
	}
}

// runSource performs one sync run for the source: conditions, dedup,
// repo init, the external command under retry, then commit and push.
// jobID may refer to a pre-created tracker record, empty creates one.
func (s *Scheduler) runSource(ctx context.Context, spec sources.Spec, jobID string) error {
	if jobID == "" {
		jobID = s.Tracker.Create(spec.Type)
	}

	if spec.Conditions != nil && !s.waitForConditions(ctx, *spec.Conditions, s.describe(spec)) {
		s.Tracker.SetStatus(jobID, jobs.StatusFailed,
			&jobs.Result{Success: false, Error: "skipped, conditions not met"})
		return fmt.Errorf("conditions not met for %s", s.describe(spec))
	}

	dedupKey := spec.Name + "#" + spec.Type
	if !s.DeDup.Add(dedupKey) {
		s.Tracker.SetStatus(jobID, jobs.StatusFailed,
			&jobs.Result{Success: false, Error: "duplicated run ignored"})
		return fmt.Errorf("duplicated run %q ignored", dedupKey)
	}
	defer s.DeDup.Remove(dedupKey)

	s.Tracker.SetStatus(jobID, jobs.StatusRunning, nil)

	s.Tracker.SetProgress(jobID, 0, 3, "preparing working copy")
	if err := s.Repo.Initialize(ctx); err != nil {
		return s.fail(ctx, jobID, spec, "", err)
	}

	s.Tracker.SetProgress(jobID, 1, 3, "running sync command")
	capture := NewOutputCapture(s.MaxLogLines)
	err := s.retrier(spec).Do(ctx, "sync:"+spec.Name, func() error {
		return s.executeCommand(ctx, spec, capture)
	})
	if err != nil {
		return s.fail(ctx, jobID, spec, capture.String(), err)
	}

	s.Tracker.SetProgress(jobID, 2, 3, "committing changes")
	err = s.Pusher.Do(ctx, func() error {
		return s.Repo.CommitPush(ctx, fmt.Sprintf("sync %s", spec.Name))
	})
	if err != nil {
		return s.fail(ctx, jobID, spec, capture.String(), err)
	}

	s.Tracker.SetProgress(jobID, 3, 3, "done")
	s.Tracker.SetStatus(jobID, jobs.StatusCompleted,
		&jobs.Result{Success: true, Output: capture.String()})

	if s.notifierActive() && s.Notifier.IsOnCompletion() {
		s.notifyCompletion(ctx, spec)
	}
	return nil
}

func (s *Scheduler) executeCommand(ctx context.Context, spec sources.Spec, capture *OutputCapture) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command) //nolint:gosec // command comes from the operator's sources file

	writers := []io.Writer{capture}
	if s.EnableLogPrefix {
		writers = append(writers, NewLogPrefixer(s.Stdout, spec.Name))
	} else {
		writers = append(writers, s.Stdout)
	}
	out := io.MultiWriter(writers...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		// the exporter reports its failure reason on the last line, keep it
		// in the error so classification can see it
		if last := capture.LastLine(); last != "" {
			return fmt.Errorf("failed to execute command %s: %w (%s)", spec.Command, err, last)
		}
		return fmt.Errorf("failed to execute command %s: %w", spec.Command, err)
	}
	return nil
}

// fail records the terminal result and sends the error notification.
func (s *Scheduler) fail(ctx context.Context, jobID string, spec sources.Spec, output string, err error) error {
	s.Tracker.SetStatus(jobID, jobs.StatusFailed,
		&jobs.Result{Success: false, Output: output, Error: err.Error()})

	if s.notifierActive() && s.Notifier.IsOnError() {
		errMsg := err.Error()
		if output != "" {
			errMsg += "\n\n" + output
		}
		s.notifyError(ctx, spec, errMsg)
	}
	return err
}

func (s *Scheduler) notifyError(ctx context.Context, spec sources.Spec, errMsg string) {
	ctxTimeout, cancel := s.notifyCtx(ctx)
	defer cancel()
	msg, err := s.Notifier.MakeErrorHTML(s.HostName, spec.Name, spec.Type, errMsg)
	if err != nil {
		log.Printf("[WARN] can't make error email, %v", err)
		return
	}
	subj := fmt.Sprintf("failed %q on %s", spec.Name, s.HostName)
	if err := s.Notifier.Send(ctxTimeout, subj, msg); err != nil {
		log.Printf("[WARN] failed to send error notification, %v", err)
	}
}

func (s *Scheduler) notifyCompletion(ctx context.Context, spec sources.Spec) {
	ctxTimeout, cancel := s.notifyCtx(ctx)
	defer cancel()
	msg, err := s.Notifier.MakeCompletionHTML(s.HostName, spec.Name, spec.Type)
	if err != nil {
		log.Printf("[WARN] can't make completion email, %v", err)
		return
	}
	subj := fmt.Sprintf("completed %q on %s", spec.Name, s.HostName)
	if err := s.Notifier.Send(ctxTimeout, subj, msg); err != nil {
		log.Printf("[WARN] failed to send completion notification, %v", err)
	}
}

// notifierActive reports if a notifier is set, catching typed-nil values
// assigned through the interface.
func (s *Scheduler) notifierActive() bool {
	return s.Notifier != nil && !reflect.ValueOf(s.Notifier).IsNil()
}

func (s *Scheduler) notifyCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.NotifyTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.NotifyTimeout)
}

// retrier returns the shared error manager or a dedicated one when the
// source overrides retry settings, the same way per-job repeater
// settings merge with defaults.
func (s *Scheduler) retrier(spec sources.Spec) ErrorManager {
	if spec.Retry == nil {
		return s.Errors
	}
	opts := s.RetryDefaults
	if spec.Retry.MaxRetries != nil {
		opts.MaxRetries = *spec.Retry.MaxRetries
	}
	if spec.Retry.BaseDelay != nil {
		opts.BaseDelay = *spec.Retry.BaseDelay
	}
	if spec.Retry.MaxDelay != nil {
		opts.MaxDelay = *spec.Retry.MaxDelay
	}
	return retry.NewManager(opts)
}

func (s *Scheduler) loadFromParser(ctx context.Context) error {
	for _, entry := range s.Entries() {
		s.Remove(entry.ID)
	}

	specs, err := s.Parser.List()
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", s.Parser.String(), err)
	}

	for _, spec := range specs {
		if err := s.schedule(ctx, spec); err != nil {
			return fmt.Errorf("can't add %s: %w", s.describe(spec), err)
		}
	}
	return nil
}

// reload runs blocking loop reacting on updates in the sources file
func (s *Scheduler) reload(ctx context.Context) {
	ch, err := s.Parser.Changes(ctx)
	if err != nil {
		log.Printf("[WARN] can't watch %s, %v", s.Parser.String(), err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case specs, ok := <-ch:
			if !ok {
				return
			}
			log.Printf("[DEBUG] sources update detected, %d sources", len(specs))
			if err := s.loadFromParser(ctx); err != nil {
				log.Printf("[WARN] failed to update sources, %v", err)
			}
		}
	}
}

// listenRequests handles manual runs submitted through the API.
func (s *Scheduler) listenRequests(ctx context.Context) {
	log.Printf("[INFO] request listener started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] request listener stopped, %v", ctx.Err())
			return
		case req, ok := <-s.Requests:
			if !ok {
				log.Printf("[INFO] request channel closed")
				return
			}

			spec, err := s.findSource(req.Source)
			if err != nil {
				log.Printf("[WARN] request for %q rejected, %v", req.Source, err)
				s.Tracker.SetStatus(req.JobID, jobs.StatusFailed,
					&jobs.Result{Success: false, Error: err.Error()})
				continue
			}

			go func(spec sources.Spec, jobID string) {
				select {
				case <-ctx.Done():
					log.Printf("[WARN] skipping requested run of %q, context canceled", spec.Name)
				default:
					log.Printf("[INFO] requested run of %s", s.describe(spec))
					if err := s.runSource(ctx, spec, jobID); err != nil {
						log.Printf("[WARN] requested run failed: %v", err)
					}
				}
			}(spec, req.JobID)
		}
	}
}

func (s *Scheduler) findSource(name string) (sources.Spec, error) {
	specs, err := s.Parser.List()
	if err != nil {
		return sources.Spec{}, fmt.Errorf("can't list sources: %w", err)
	}
	for _, spec := range specs {
		if spec.Name == name {
			return spec, nil
		}
	}
	return sources.Spec{}, fmt.Errorf("unknown source %q", name)
}

// resyncAll runs every scheduled source once in the background with
// bounded concurrency.
func (s *Scheduler) resyncAll(ctx context.Context) {
	specs, err := s.Parser.List()
	if err != nil {
		log.Printf("[WARN] can't list sources for initial resync, %v", err)
		return
	}
	log.Printf("[INFO] initial resync of %d sources", len(specs))

	go func() {
		gr := syncs.NewSizedGroup(s.ResyncConcurrency)
		for _, spec := range specs {
			if spec.Schedule == "" {
				continue
			}
			time.Sleep(100 * time.Millisecond) // keep some distance between starts
			gr.Go(func(ctx context.Context) {
				if err := s.runSource(ctx, spec, ""); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("[WARN] initial resync of %q failed, %v", spec.Name, err)
				}
			})
		}
		gr.Wait()
	}()
}

func (s *Scheduler) describe(spec sources.Spec) string {
	return fmt.Sprintf("%q (%s)", spec.Name, spec.Type)
}

// waitForConditions checks source conditions and optionally waits for
// them up to MaxPostpone. Returns true when the run should proceed.
func (s *Scheduler) waitForConditions(ctx context.Context, cond sources.Conditions, desc string) bool {
	if s.ConditionChecker == nil {
		return true
	}

	met, reason := s.ConditionChecker.Check(cond)
	if met {
		return true
	}

	if cond.MaxPostpone == nil {
		log.Printf("[INFO] run skipped: %s, reason: %s", desc, reason)
		return false
	}

	log.Printf("[INFO] run postponed: %s, reason: %s, deadline: %s",
		desc, reason, time.Now().Add(*cond.MaxPostpone).Format(time.RFC3339))

	checkInterval := 30 * time.Second
	if cond.CheckInterval != nil {
		checkInterval = *cond.CheckInterval
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(*cond.MaxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = s.ConditionChecker.Check(cond); met {
				log.Printf("[INFO] conditions met, executing postponed run: %s", desc)
				return true
			}
			log.Printf("[DEBUG] conditions not met yet: %s, reason: %s", desc, reason)
		case <-deadline.C:
			log.Printf("[WARN] max postpone reached, executing anyway: %s", desc)
			return true
		case <-ctx.Done():
			log.Printf("[INFO] postponed run canceled: %s", desc)
			return false
		}
	}
}
