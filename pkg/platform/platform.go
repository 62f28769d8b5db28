// Package platform defines the narrow messaging-platform operations the relay
// consumes and the error taxonomy used to report their failures.
package platform

import (
	"context"
)

// MediaKind is the content kind of one album constituent.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// Chat is the subset of chat info the relay caches.
type Chat struct {
	ID    string
	Title string
	Type  string
}

// Permissions is the bot's capability set in one chat.
type Permissions struct {
	IsAdmin   bool
	CanInvite bool
	CanDelete bool
}

// MediaItem is one item of an album send.
type MediaItem struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

// ChatInspector resolves chats and the bot's rights in them.
type ChatInspector interface {
	GetChat(ctx context.Context, chatID string) (Chat, error)
	BotPermissions(ctx context.Context, chatID string) (Permissions, error)
}

// Relayer delivers and removes copies of source messages. Every send
// returns the id the platform assigned to the new message.
type Relayer interface {
	CopyMessage(ctx context.Context, toChatID, fromChatID string, messageID int) (int, error)
	ForwardMessage(ctx context.Context, toChatID, fromChatID string, messageID int) (int, error)
	SendMediaGroup(ctx context.Context, toChatID string, items []MediaItem) ([]int, error)
	DeleteMessage(ctx context.Context, chatID string, messageID int) error
}

// JoinApprover approves one membership request.
type JoinApprover interface {
	ApproveJoinRequest(ctx context.Context, chatID string, userID int64) error
}

// Messenger talks to administrators.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) (int, error)
	EditText(ctx context.Context, chatID string, messageID int, text string) error
}

// Client is everything the bot needs from the platform.
type Client interface {
	ChatInspector
	Relayer
	JoinApprover
	Messenger
}
