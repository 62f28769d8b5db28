// Package store defines the durable entities of the relay and the narrow
// persistence interfaces the rest of the bot depends on.
//
// Channel ids are stored as strings so numeric chat ids and @usernames
// compare consistently.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleSource      Role = "source"
	RoleDestination Role = "destination"
)

// Channel is a chat registered with the relay.
type Channel struct {
	ID        string    `bson:"channel_id" json:"channel_id"`
	Role      Role      `bson:"role"       json:"role"`
	Title     string    `bson:"title"      json:"title"`
	Active    bool      `bson:"is_active"  json:"is_active"`
	CreatedAt time.Time `bson:"added_at"   json:"added_at"`
}

// RelayRecord marks one source message as delivered to one destination.
type RelayRecord struct {
	SourceChatID      string    `bson:"source_chat_id"      json:"source_chat_id"`
	SourceMessageID   int       `bson:"source_message_id"   json:"source_message_id"`
	DestinationChatID string    `bson:"destination_chat_id" json:"destination_chat_id"`
	DeliveredAt       time.Time `bson:"delivered_at"        json:"delivered_at"`
}

// IdentityMapping links a source message to one delivered copy.
type IdentityMapping struct {
	SourceChatID         string    `bson:"source_chat_id"         json:"source_chat_id"`
	SourceMessageID      int       `bson:"source_message_id"      json:"source_message_id"`
	DestinationChatID    string    `bson:"destination_chat_id"    json:"destination_chat_id"`
	DestinationMessageID int       `bson:"destination_message_id" json:"destination_message_id"`
	CreatedAt            time.Time `bson:"created_at"             json:"created_at"`
}

// JoinRequest is a pending (or approved) membership request seen on a chat.
type JoinRequest struct {
	ChatID      string     `bson:"channel_id"   json:"channel_id"`
	UserID      int64      `bson:"user_id"      json:"user_id"`
	RequestedAt time.Time  `bson:"request_date" json:"request_date"`
	Approved    bool       `bson:"approved"     json:"approved"`
	ApprovedAt  *time.Time `bson:"approved_at"  json:"approved_at,omitempty"`
}

type ChannelStore interface {
	// UpsertChannel creates the channel or replaces the stored record with the same ID.
	UpsertChannel(ctx context.Context, ch Channel) error
	// GetChannel returns ErrNotFound for unknown ids.
	GetChannel(ctx context.Context, id string) (Channel, error)
	// ListChannels returns active channels with the given role, oldest first.
	ListChannels(ctx context.Context, role Role) ([]Channel, error)
	// SetRole changes the role of an existing channel.
	SetRole(ctx context.Context, id string, role Role) error
	// DeleteChannel hard-deletes a channel. Returns ErrNotFound for unknown ids.
	DeleteChannel(ctx context.Context, id string) error
}

type Ledger interface {
	IsDelivered(ctx context.Context, sourceChatID string, sourceMessageID int, destinationChatID string) (bool, error)
	// RecordDelivery is idempotent on (source chat, source message, destination).
	RecordDelivery(ctx context.Context, rec RelayRecord) error
	// PruneOlderThan deletes records delivered more than age ago and returns how many.
	PruneOlderThan(ctx context.Context, age time.Duration) (int, error)
	CountDeliveries(ctx context.Context) (int, error)
}

type MappingStore interface {
	RecordMapping(ctx context.Context, m IdentityMapping) error
	FindByDestination(ctx context.Context, destinationChatID string, destinationMessageID int) (IdentityMapping, error)
	FindAllBySource(ctx context.Context, sourceChatID string, sourceMessageID int) ([]IdentityMapping, error)
	DeleteMapping(ctx context.Context, destinationChatID string, destinationMessageID int) error
	FindOlderThan(ctx context.Context, age time.Duration) ([]IdentityMapping, error)
	CountMappings(ctx context.Context) (int, error)
}

type JoinRequestStore interface {
	// AddJoinRequest records a pending request; a repeated request for the
	// same (chat, user) resets it to pending.
	AddJoinRequest(ctx context.Context, req JoinRequest) error
	// ListPendingJoinRequests pages pending requests oldest first.
	ListPendingJoinRequests(ctx context.Context, chatID string, offset, limit int) ([]JoinRequest, error)
	MarkJoinRequestApproved(ctx context.Context, chatID string, userID int64) error
	DeleteJoinRequest(ctx context.Context, chatID string, userID int64) error
}

// Store is the full persistence collaborator handed to the bot at startup.
type Store interface {
	ChannelStore
	Ledger
	MappingStore
	JoinRequestStore
	Close(ctx context.Context) error
}
