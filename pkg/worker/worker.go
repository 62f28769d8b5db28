// Package worker is the single consumer of inbound events. Events are
// handled one at a time in arrival order.
package worker

import (
	"context"
	"strconv"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/relay"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

type PostHandler interface {
	OnSourcePost(ctx context.Context, msg bus.InboundMessage) (relay.Outcome, error)
}

type CommandHandler interface {
	Handle(ctx context.Context, msg bus.InboundMessage) error
}

type Worker struct {
	bus      *bus.MessageBus
	posts    PostHandler
	commands CommandHandler
	joins    store.JoinRequestStore
}

func New(mb *bus.MessageBus, posts PostHandler, commands CommandHandler, joins store.JoinRequestStore) *Worker {
	return &Worker{bus: mb, posts: posts, commands: commands, joins: joins}
}

// Run consumes events until the bus closes or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	logger.InfoC("worker", "Worker started")
	for {
		msg, ok := w.bus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("worker", "Worker stopped")
			return nil
		}
		w.Process(ctx, msg)
	}
}

// Process handles one event. Failures are logged; they never stop the worker.
func (w *Worker) Process(ctx context.Context, msg bus.InboundMessage) {
	var err error
	switch msg.Kind {
	case bus.KindChannelPost:
		_, err = w.posts.OnSourcePost(ctx, msg)
	case bus.KindCommand:
		err = w.commands.Handle(ctx, msg)
	case bus.KindJoinRequest:
		err = w.recordJoinRequest(ctx, msg)
	default:
		logger.DebugCF("worker", "Ignoring event", map[string]any{"kind": string(msg.Kind)})
		return
	}
	if err != nil {
		logger.ErrorCF("worker", "Event handling failed", map[string]any{
			"event_id": msg.ID,
			"kind":     string(msg.Kind),
			"chat":     msg.ChatID,
			"error":    err.Error(),
		})
	}
}

func (w *Worker) recordJoinRequest(ctx context.Context, msg bus.InboundMessage) error {
	userID, err := strconv.ParseInt(msg.SenderID, 10, 64)
	if err != nil {
		return err
	}
	if err := w.joins.AddJoinRequest(ctx, store.JoinRequest{
		ChatID:      msg.ChatID,
		UserID:      userID,
		RequestedAt: msg.Date,
	}); err != nil {
		return err
	}
	logger.InfoCF("worker", "Join request recorded", map[string]any{
		"chat":    msg.ChatID,
		"user_id": userID,
	})
	return nil
}
