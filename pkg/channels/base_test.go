package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
)

func TestBaseChannelIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{
			name:      "empty allowlist denies everyone",
			allowList: []string{},
			senderID:  "anyone",
			want:      false,
		},
		{
			name:      "empty sender denied",
			allowList: []string{"123456"},
			senderID:  "",
			want:      false,
		},
		{
			name:      "compound sender matches numeric allowlist",
			allowList: []string{"123456"},
			senderID:  "123456|alice",
			want:      true,
		},
		{
			name:      "compound sender matches username allowlist",
			allowList: []string{"@alice"},
			senderID:  "123456|alice",
			want:      true,
		},
		{
			name:      "numeric sender matches legacy compound allowlist",
			allowList: []string{"123456|alice"},
			senderID:  "123456",
			want:      true,
		},
		{
			name:      "non matching sender is denied",
			allowList: []string{"123456"},
			senderID:  "654321|bob",
			want:      false,
		},
		{
			name:      "username alone does not match another id",
			allowList: []string{"123456|alice"},
			senderID:  "999|mallory",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewBaseChannel("test", nil, tt.allowList)
			if got := ch.IsAllowed(tt.senderID); got != tt.want {
				t.Fatalf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestBaseChannelHandleMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewBaseChannel("telegram", mb, nil)

	ch.HandleMessage(context.Background(), bus.InboundMessage{Kind: bus.KindChannelPost, ChatID: "-100S", MessageID: 42})

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "telegram", msg.Channel)
	assert.Equal(t, 42, msg.MessageID)
}

func TestBaseChannelHandleMessageOnClosedBus(t *testing.T) {
	mb := bus.NewMessageBus()
	mb.Close()
	ch := NewBaseChannel("telegram", mb, nil)

	// must not block or panic
	ch.HandleMessage(context.Background(), bus.InboundMessage{Kind: bus.KindChannelPost})
}

func TestBaseChannelRunning(t *testing.T) {
	ch := NewBaseChannel("test", nil, nil)
	assert.False(t, ch.IsRunning())
	ch.SetRunning(true)
	assert.True(t, ch.IsRunning())
	assert.Equal(t, "test", ch.Name())
}
