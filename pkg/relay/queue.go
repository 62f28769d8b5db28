package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
)

// DispatchQueue serializes settled albums. At most one drain goroutine is
// active; albums settling while it runs join its backlog.
type DispatchQueue struct {
	ctx    context.Context
	handle func(context.Context, Settled)

	mu         sync.Mutex
	pending    []Settled
	processing bool
	wg         sync.WaitGroup
}

// NewDispatchQueue creates a queue whose drains run under ctx.
func NewDispatchQueue(ctx context.Context, handle func(context.Context, Settled)) *DispatchQueue {
	return &DispatchQueue{ctx: ctx, handle: handle}
}

// Enqueue adds s to the backlog, starting a drain if none is active.
func (q *DispatchQueue) Enqueue(s Settled) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, s)
	if q.processing {
		return
	}
	q.processing = true
	q.wg.Add(1)
	go q.drain(uuid.NewString())
}

func (q *DispatchQueue) drain(id string) {
	defer q.wg.Done()
	handled := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			logger.DebugCF("relay", "Dispatch drain finished", map[string]any{
				"drain_id": id,
				"albums":   handled,
			})
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if q.ctx.Err() != nil {
			logger.WarnCF("relay", "Dropping settled album on shutdown", map[string]any{
				"drain_id": id,
				"group_id": next.GroupID,
			})
			continue
		}
		q.handle(q.ctx, next)
		handled++
	}
}

// Len returns the backlog size.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until no drain is running.
func (q *DispatchQueue) Wait() {
	q.wg.Wait()
}
