// Package cron runs the organizer's named periodic jobs. Each job has its own
// schedule and never overlaps with itself.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/shared"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@every 5s" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job is already running")
)

// JobFunc is the body of a job.
type JobFunc func(ctx context.Context) error

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelx.Metrics
	Location *time.Location // schedules are read in this zone; default UTC
}

// JobStatus is the observable state of one job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

type job struct {
	Job
	entryID cronlib.EntryID
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	lastErr atomic.Pointer[string]
}

// Scheduler fires registered jobs on their schedules.
type Scheduler struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelx.Metrics
	cron    *cronlib.Cron

	mu   sync.RWMutex
	jobs map[string]*job
	ctx  context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelx.NoopMetrics()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	adapter := slogAdapter{logger: logger}
	return &Scheduler{
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.Recover(adapter)),
		),
		jobs: make(map[string]*job),
		ctx:  context.Background(),
	}
}

// Add registers a job. The spec is validated here so misconfiguration fails
// at startup.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("cron: job needs a name and a function")
	}
	if _, err := cronParser.Parse(j.Spec); err != nil {
		return fmt.Errorf("cron: job %s: invalid spec %q: %w", j.Name, j.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("cron: job %s registered twice", j.Name)
	}
	entry := &job{Job: j}
	id, err := s.cron.AddFunc(j.Spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if err := s.run(ctx, entry); errors.Is(err, ErrJobRunning) {
			s.logger.Warn("cron: skipping overlapping run", "job", entry.Name)
		}
	})
	if err != nil {
		return fmt.Errorf("cron: add job %s: %w", j.Name, err)
	}
	entry.entryID = id
	s.jobs[j.Name] = entry
	return nil
}

// Start begins firing jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", n)
}

// Stop halts the schedule, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	<-stopped.Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunOnce runs a job synchronously under the same overlap guard as the
// schedule. It returns ErrJobRunning when the job is in progress.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.RLock()
	entry, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, entry)
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:    j.Name,
			Spec:    j.Spec,
			Running: j.running.Load(),
			Runs:    j.runs.Load(),
			Skipped: j.skipped.Load(),
			NextRun: s.cron.Entry(j.entryID).Next,
		}
		if msg := j.lastErr.Load(); msg != nil {
			st.LastError = *msg
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		return ErrJobRunning
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithWorkerID(ctx, "cron:"+j.Name)
	ctx, span := otelx.StartSpan(ctx, s.tracer, "cron."+j.Name, otelx.AttrJob.String(j.Name))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: job %s panicked: %v", j.Name, r)
			s.logger.Error("cron: job panicked", "job", j.Name, "panic", r, "trace_id", shared.TraceID(ctx))
		}
		result := "ok"
		if err != nil {
			result = "error"
			msg := err.Error()
			j.lastErr.Store(&msg)
			span.RecordError(err)
			span.SetStatus(codes.Error, msg)
		} else {
			j.lastErr.Store(nil)
		}
		s.metrics.CronJobDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otelx.AttrJob.String(j.Name), otelx.AttrResult.String(result)))
		span.End()
	}()

	j.runs.Add(1)
	err = j.Run(ctx)
	if err != nil {
		s.logger.Error("cron: job failed", "job", j.Name, "error", err, "trace_id", shared.TraceID(ctx))
	}
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateSpec reports whether spec parses.
func ValidateSpec(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// slogAdapter lets robfig/cron log through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
