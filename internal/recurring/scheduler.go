package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"estateledger/internal/common/metrics"
	"estateledger/internal/ledger"
)

// Locker grants exclusive, expiring job locks. *redis.Locker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, name, token string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// LocalLocker is a Locker for a single scheduler process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), clock: time.Now}
}

// Acquire takes name unless it is held and not yet expired.
func (l *LocalLocker) Acquire(_ context.Context, name, _ string, ttl time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	l.held[name] = now.Add(ttl)
	return func(context.Context) {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, true, nil
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their intervals. Each run holds the job's lock so
// replicas never overlap on the same job.
type Scheduler struct {
	locker  Locker
	lockTTL time.Duration
	token   string
	jobs    []Job
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. lockTTL bounds how long a crashed run can
// keep a job locked.
func NewScheduler(locker Locker, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Scheduler{
		locker:  locker,
		lockTTL: lockTTL,
		token:   ledger.NewID(),
		logger:  logger,
	}
}

// Every registers fn to run every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) *Scheduler {
	s.jobs = append(s.jobs, Job{Name: name, Interval: interval, Run: fn})
	return s
}

// Run runs every job immediately and then on its interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return fmt.Errorf("scheduler has no jobs")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job if its lock is free. It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) bool {
	release, ok, err := s.locker.Acquire(ctx, "scheduler:"+job.Name, s.token, s.lockTTL)
	if err != nil {
		s.logger.Error("acquiring job lock", "job", job.Name, "error", err)
		return false
	}
	if !ok {
		s.logger.Debug("job already running elsewhere", "job", job.Name)
		return false
	}
	defer release(context.WithoutCancel(ctx))

	start := time.Now()
	err = s.safeRun(ctx, job)
	metrics.ObserveSchedulerRun(job.Name, err, time.Since(start))
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return true
	}
	s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(start))
	return true
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, p)
		}
	}()
	return job.Run(ctx)
}
