package bulk

import (
	"context"
	"errors"
	"time"
)

// Guardrails bound every run of a Runner. Zero values disable a limit.
type Guardrails struct {
	MaxDuration time.Duration
}

// GuardrailError reports a run stopped by a guardrail.
type GuardrailError struct {
	Reason string
	RunID  string
}

func (e *GuardrailError) Error() string {
	return "run " + e.RunID + ": guardrail violation: " + e.Reason
}

func (g Guardrails) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.MaxDuration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.MaxDuration)
}

// check reports a violation when runCtx expired on its own deadline while
// the caller's ctx is still live.
func (g Guardrails) check(ctx, runCtx context.Context, runID string) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &GuardrailError{Reason: "duration_exceeded", RunID: runID}
	}
	return nil
}
