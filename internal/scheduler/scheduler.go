package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs keyed one-shot timers and named periodic jobs on a single
// cron instance. Scheduling under a key that already has a pending timer
// replaces it, so at most one timer per key is ever pending.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	timers map[string]*timer       // key → pending one-shot
	jobs   map[string]cron.EntryID // name → periodic entry
	logger *slog.Logger
}

type timer struct {
	id cron.EntryID
	at time.Time
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		timers: make(map[string]*timer),
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// Schedule arms fn to run once at the given time under key, cancelling any
// timer already pending under that key. A time in the past fires as soon as
// the scheduler is running.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[key]; ok {
		s.cron.Remove(prev.id)
	}

	t := &timer{at: at}
	t.id = s.cron.Schedule(&once{at: at}, cron.FuncJob(func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		stale := !ok || current != t
		if !stale {
			delete(s.timers, key)
		}
		s.cron.Remove(t.id)
		s.mu.Unlock()

		if stale {
			return
		}
		s.logger.Debug("timer fired", "key", key, "due", t.at)
		fn()
	}))
	s.timers[key] = t
}

// Cancel removes the timer pending under key. It reports whether one was
// pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	s.cron.Remove(t.id)
	delete(s.timers, key)
	return true
}

// TimerCount returns the number of pending one-shot timers.
func (s *Scheduler) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// AddJob registers fn to run on a cron schedule (5 fields or a descriptor
// such as @every 10m) under name, replacing any job with the same name.
func (s *Scheduler) AddJob(name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		s.logger.Info("cron fired", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	if prev, ok := s.jobs[name]; ok {
		s.cron.Remove(prev)
	}
	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// JobCount returns the number of periodic jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// once is a cron.Schedule that yields a single activation time.
// cron asks for the next time once when the entry is added and again
// after it runs; the second answer (zero) retires the entry.
type once struct {
	at   time.Time
	used bool
}

func (o *once) Next(time.Time) time.Time {
	if o.used {
		return time.Time{}
	}
	o.used = true
	return o.at
}
