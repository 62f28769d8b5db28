package bus

import (
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/platform"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindChannelPost Kind = "channel_post"
	KindCommand     Kind = "command"
	KindJoinRequest Kind = "join_request"
)

// InboundMessage is one platform event handed from a channel adapter to the worker.
type InboundMessage struct {
	ID           string              `json:"id"`
	Kind         Kind                `json:"kind"`
	Channel      string              `json:"channel"`
	ChatID       string              `json:"chat_id"`
	MessageID    int                 `json:"message_id,omitempty"`
	SenderID     string              `json:"sender_id,omitempty"`
	Content      string              `json:"content,omitempty"`       // text, caption or command line
	MediaGroupID string              `json:"media_group_id,omitempty"` // album id, empty for singletons
	Media        *platform.MediaItem `json:"media,omitempty"`
	Date         time.Time           `json:"date"`
}

// IsAlbumPart reports whether the message is one constituent of an album.
func (m InboundMessage) IsAlbumPart() bool {
	return m.Kind == KindChannelPost && m.MediaGroupID != ""
}
