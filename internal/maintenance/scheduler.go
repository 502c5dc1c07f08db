package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one recurring task of the daemon.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until Stop. Jobs run once at start.
type Scheduler struct {
	Jobs   []Job
	Logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewScheduler(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Jobs: jobs, Logger: logger.With("component", "scheduler")}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, job := range s.Jobs {
		if job.Interval <= 0 {
			s.Logger.Warn("job disabled, no interval", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
		s.Logger.Info("job scheduled", "job", job.Name, "interval", job.Interval)
	}
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	for _, job := range s.Jobs {
		if job.Name == name {
			s.runJob(ctx, job)
			return true
		}
	}
	return false
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	s.runJob(ctx, job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runJob(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.Logger.Error("job failed", "job", job.Name, "error", err, "elapsed", time.Since(start))
		return
	}
	s.Logger.Debug("job finished", "job", job.Name, "elapsed", time.Since(start))
}
