package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBuffer = 100

type MessageBus struct {
	inbound chan InboundMessage
	done    chan struct{}
	closed  atomic.Bool
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBuffer)
}

// NewMessageBusSize creates a bus whose inbound queue holds size events.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBuffer
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, size),
		done:    make(chan struct{}),
	}
}

// PublishInbound queues msg, assigning it an ID when it has none. It blocks
// while the queue is full.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound returns the next event in arrival order. ok is false once
// the bus is closed or ctx is done.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
