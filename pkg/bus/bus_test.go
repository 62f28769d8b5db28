package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PreservesArrivalOrder(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, mb.PublishInbound(ctx, InboundMessage{Kind: KindChannelPost, ChatID: "S", MessageID: i}))
	}
	for i := 1; i <= 3; i++ {
		msg, ok := mb.ConsumeInbound(ctx)
		require.True(t, ok)
		assert.Equal(t, i, msg.MessageID)
		assert.NotEmpty(t, msg.ID, "publish assigns an event id")
	}
}

func TestMessageBus_KeepsExplicitID(t *testing.T) {
	mb := NewMessageBus()
	require.NoError(t, mb.PublishInbound(context.Background(), InboundMessage{ID: "evt-1"}))
	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "evt-1", msg.ID)
}

func TestMessageBus_Closed(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close() // idempotent

	err := mb.PublishInbound(context.Background(), InboundMessage{})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Error("consume on closed bus should report !ok")
	}
}

func TestMessageBus_PublishHonorsContext(t *testing.T) {
	mb := NewMessageBusSize(1)
	require.NoError(t, mb.PublishInbound(context.Background(), InboundMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.PublishInbound(ctx, InboundMessage{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInboundMessage_IsAlbumPart(t *testing.T) {
	assert.True(t, InboundMessage{Kind: KindChannelPost, MediaGroupID: "g1"}.IsAlbumPart())
	assert.False(t, InboundMessage{Kind: KindChannelPost}.IsAlbumPart())
	assert.False(t, InboundMessage{Kind: KindCommand, MediaGroupID: "g1"}.IsAlbumPart())
}
