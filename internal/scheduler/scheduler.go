package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"water-cloud/internal/observability/metrics"
)

// RunFunc executes one sweep and reports how many items it touched.
type RunFunc func(ctx context.Context) (int, error)

// Trigger computes the next fire time strictly after now.
type Trigger interface {
	Next(now time.Time) time.Time
}

type interval time.Duration

func (i interval) Next(now time.Time) time.Time {
	return now.Add(time.Duration(i))
}

// Every fires at a fixed interval from the previous run.
func Every(d time.Duration) Trigger {
	return interval(d)
}

type daily struct {
	hour     int
	minute   int
	location *time.Location
}

func (d daily) Next(now time.Time) time.Time {
	local := now.In(d.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.location)
	}
	return next
}

// DailyAt fires once a day at HH:MM in location.
func DailyAt(value string, location *time.Location) (Trigger, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return nil, fmt.Errorf("scheduler: daily time %q: %w", value, err)
	}
	if location == nil {
		location = time.Local
	}
	return daily{hour: t.Hour(), minute: t.Minute(), location: location}, nil
}

// Locker guards a job across replicas. release is safe to call once.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type job struct {
	name    string
	trigger Trigger
	run     RunFunc
	lockTTL time.Duration
	mu      sync.Mutex
}

// Scheduler runs named sweeps on their triggers. A job never overlaps itself in one process,
// and when a Locker is set the lock key water:sweep:<name> keeps replicas from overlapping.
type Scheduler struct {
	logger  *zap.Logger
	locker  Locker
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocker enables the distributed lock.
func WithLocker(locker Locker) Option {
	return func(s *Scheduler) {
		s.locker = locker
	}
}

// WithRunTimeout bounds a single run.
func WithRunTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// New constructs an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  zap.NewNop(),
		timeout: 5 * time.Minute,
		now:     time.Now,
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. lockTTL bounds how long a crashed replica can hold the distributed lock.
func (s *Scheduler) Add(name string, trigger Trigger, lockTTL time.Duration, run RunFunc) error {
	if name == "" {
		return errors.New("scheduler: empty job name")
	}
	if trigger == nil || run == nil {
		return fmt.Errorf("scheduler: job %s: nil trigger or func", name)
	}
	if lockTTL <= 0 {
		lockTTL = s.timeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: duplicate job %s", name)
	}
	s.jobs[name] = &job{name: name, trigger: trigger, run: run, lockTTL: lockTTL}
	return nil
}

// Start launches one loop per job; loops exit when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs the named job immediately and returns the metrics result label.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		now := s.now()
		wait := j.trigger.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, _ = s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) (string, error) {
	if !j.mu.TryLock() {
		s.logger.Debug("sweep still running, skipped", zap.String("job", j.name))
		metrics.ObserveSweep(j.name, metrics.ResultSkipped, 0)
		return metrics.ResultSkipped, nil
	}
	defer j.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.locker != nil {
		release, acquired, err := s.locker.TryAcquire(runCtx, "water:sweep:"+j.name, j.lockTTL)
		if err != nil {
			s.logger.Warn("sweep lock failed", zap.String("job", j.name), zap.Error(err))
			metrics.ObserveSweep(j.name, metrics.ResultError, 0)
			return metrics.ResultError, err
		}
		if !acquired {
			s.logger.Debug("sweep held by another replica", zap.String("job", j.name))
			metrics.ObserveSweep(j.name, metrics.ResultSkipped, 0)
			return metrics.ResultSkipped, nil
		}
		defer release()
	}

	start := time.Now()
	count, err := j.run(runCtx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("sweep failed", zap.String("job", j.name), zap.Duration("duration", elapsed), zap.Error(err))
		metrics.ObserveSweep(j.name, metrics.ResultError, elapsed)
		return metrics.ResultError, err
	}
	s.logger.Info("sweep finished", zap.String("job", j.name), zap.Int("count", count), zap.Duration("duration", elapsed))
	metrics.ObserveSweep(j.name, metrics.ResultSuccess, elapsed)
	return metrics.ResultSuccess, nil
}
