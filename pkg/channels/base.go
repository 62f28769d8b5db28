package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

// NewBaseChannel creates a channel whose administrators are allowList.
// An empty allowList authorizes nobody.
func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed reports whether senderID is an administrator. senderID may be
// a bare id or the compound "id|username" form; allowList entries may be
// ids, usernames (with or without "@") or the compound form.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if senderID == "" {
		return false
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && userPart == allowedUser) ||
			(userPart != "" && userPart == trimmed) {
			return true
		}
	}

	return false
}

// HandleMessage stamps msg with the channel name and queues it for the worker.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	msg.Channel = c.name
	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		logger.WarnCF(c.name, "Dropped inbound event", map[string]any{
			"kind":  string(msg.Kind),
			"chat":  msg.ChatID,
			"error": err.Error(),
		})
	}
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}
