// Package cron runs recurring jobs on standard five-field cron expressions.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
)

// JobFunc is one pass of a recurring job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	expr string
	fn   JobFunc
	next time.Time
}

// Scheduler runs jobs one at a time on the goroutine that calls Run.
// Job errors are logged and never stop the scheduler.
type Scheduler struct {
	gron *gronx.Gronx
	now  func() time.Time

	mu   sync.Mutex
	jobs []*job
}

func NewScheduler() *Scheduler {
	return &Scheduler{gron: gronx.New(), now: time.Now}
}

// Add registers fn under name. expr must be a valid cron expression.
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, expr)
	}
	next, err := gronx.NextTickAfter(expr, s.now(), false)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, expr: expr, fn: fn, next: next})
	logger.InfoCF("cron", "Job scheduled", map[string]any{
		"job":      name,
		"schedule": expr,
		"next":     next.Format(time.RFC3339),
	})
	return nil
}

// Next returns the next run time of name, or the zero time if unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.next
		}
	}
	return time.Time{}
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run executes due jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait, ok := s.untilNext()
		if !ok {
			<-ctx.Done()
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.RunDue(ctx)
	}
}

// RunDue runs every job whose next tick has passed and reschedules it.
// It returns how many jobs ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		runJob(ctx, j.name, j.fn)

		next, err := gronx.NextTickAfter(j.expr, s.now(), false)
		if err != nil {
			logger.ErrorCF("cron", "Failed to compute next run", map[string]any{
				"job":   j.name,
				"error": err.Error(),
			})
			next = s.now().Add(time.Hour)
		}
		s.mu.Lock()
		j.next = next
		s.mu.Unlock()
	}
	return len(due)
}

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return 0, false
	}
	earliest := s.jobs[0].next
	for _, j := range s.jobs[1:] {
		if j.next.Before(earliest) {
			earliest = j.next
		}
	}
	wait := earliest.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// RunAfter runs fn once after delay unless ctx ends first.
func RunAfter(ctx context.Context, name string, delay time.Duration, fn JobFunc) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	runJob(ctx, name, fn)
}

func runJob(ctx context.Context, name string, fn JobFunc) {
	start := time.Now()
	err := fn(ctx)
	fields := map[string]any{
		"job":      name,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.ErrorCF("cron", "Job failed", fields)
		return
	}
	logger.InfoCF("cron", "Job finished", fields)
}
