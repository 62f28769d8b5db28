package bulk

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
)

// Kind names a batch operation.
type Kind string

const (
	KindApprove Kind = "approve"
	KindCleanup Kind = "cleanup"
)

// Status represents the current state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

const keepFinished = 50

// Run tracks one batch operation.
type Run struct {
	ID        string
	Kind      Kind
	Target    string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Result    any
	Error     string
}

// Func is the body of a run. Its result is stored on the Run.
type Func func(ctx context.Context) (any, error)

// AlreadyRunningError is returned when a run of the same kind is active for
// the same target.
type AlreadyRunningError struct {
	Kind   Kind
	Target string
	RunID  string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s for %s is already running (run %s)", e.Kind, e.Target, e.RunID)
}

// Runner executes batch operations, at most one per (kind, target).
type Runner struct {
	guardrails Guardrails

	mu     sync.RWMutex
	runs   map[string]*Run
	active map[string]string
	order  []string
	wg     sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{
		runs:   make(map[string]*Run),
		active: make(map[string]string),
	}
}

// SetGuardrails applies g to runs started afterwards.
func (r *Runner) SetGuardrails(g Guardrails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardrails = g
}

func activeKey(kind Kind, target string) string { return string(kind) + ":" + target }

// Start begins fn asynchronously and returns the new run.
func (r *Runner) Start(ctx context.Context, kind Kind, target string, fn Func) (Run, error) {
	run, err := r.begin(kind, target)
	if err != nil {
		return Run{}, err
	}
	snapshot := *run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(ctx, run, fn)
	}()
	return snapshot, nil
}

// Do runs fn on the calling goroutine and returns the finished run.
func (r *Runner) Do(ctx context.Context, kind Kind, target string, fn Func) (Run, error) {
	run, err := r.begin(kind, target)
	if err != nil {
		return Run{}, err
	}
	r.execute(ctx, run, fn)
	return r.Get(run.ID)
}

// Get returns a snapshot of a run.
func (r *Runner) Get(id string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %q not found", id)
	}
	return *run, nil
}

// Active returns snapshots of running runs, oldest first.
func (r *Runner) Active() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.active))
	for _, id := range r.order {
		if run := r.runs[id]; run.Status == StatusRunning {
			out = append(out, *run)
		}
	}
	return out
}

// Wait blocks until every asynchronous run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) begin(kind Kind, target string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := activeKey(kind, target)
	if id, busy := r.active[key]; busy {
		return nil, &AlreadyRunningError{Kind: kind, Target: target, RunID: id}
	}

	run := &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
	r.runs[run.ID] = run
	r.active[key] = run.ID
	r.order = append(r.order, run.ID)
	r.prune()

	logger.InfoCF("bulk", "Run started", map[string]any{
		"run_id": run.ID,
		"kind":   string(kind),
		"target": target,
	})
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run *Run, fn Func) {
	r.mu.RLock()
	g := r.guardrails
	r.mu.RUnlock()

	runCtx, cancel := g.bound(ctx)
	result, err := fn(runCtx)
	if gerr := g.check(ctx, runCtx, run.ID); gerr != nil {
		err = gerr
	}
	cancel()

	r.mu.Lock()
	delete(r.active, activeKey(run.Kind, run.Target))
	run.Result = result
	run.EndTime = time.Now()
	switch {
	case err == nil && ctx.Err() != nil:
		run.Status = StatusCanceled
		run.Error = ctx.Err().Error()
	case err != nil:
		run.Status = StatusFailed
		run.Error = err.Error()
	default:
		run.Status = StatusCompleted
	}
	status := run.Status
	r.mu.Unlock()

	fields := map[string]any{
		"run_id":   run.ID,
		"kind":     string(run.Kind),
		"target":   run.Target,
		"status":   string(status),
		"duration": run.EndTime.Sub(run.StartTime).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnCF("bulk", "Run finished", fields)
		return
	}
	logger.InfoCF("bulk", "Run finished", fields)
}

// prune forgets the oldest finished runs beyond keepFinished. Caller holds mu.
func (r *Runner) prune() {
	finished := 0
	for _, id := range r.order {
		if r.runs[id].Status != StatusRunning {
			finished++
		}
	}
	for i := 0; finished > keepFinished && i < len(r.order); {
		id := r.order[i]
		if r.runs[id].Status == StatusRunning {
			i++
			continue
		}
		delete(r.runs, id)
		r.order = slices.Delete(r.order, i, i+1)
		finished--
	}
}
