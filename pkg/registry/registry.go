// Package registry keeps track of the source channel and its destinations.
//
// At most one active channel holds the source role. Promoting a new source
// demotes the previous one to a destination before the new record is
// written.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

// Registration is the result of registering a channel. Warning is set when
// the bot is an administrator but lacks a permission some features need.
type Registration struct {
	Channel store.Channel
	Demoted string
	Warning *platform.MissingCapabilityError
}

// Listing is the registry's current state, for reporting.
type Listing struct {
	Source       *store.Channel
	Destinations []store.Channel
}

type Registry struct {
	store     store.ChannelStore
	inspector platform.ChatInspector
}

func New(s store.ChannelStore, inspector platform.ChatInspector) *Registry {
	return &Registry{store: s, inspector: inspector}
}

// SetSource makes channelID the single source channel.
func (r *Registry) SetSource(ctx context.Context, channelID string) (Registration, error) {
	reg, err := r.inspect(ctx, channelID, store.RoleSource)
	if err != nil {
		return Registration{}, err
	}

	current, err := r.Source(ctx)
	if err != nil {
		return Registration{}, err
	}
	for _, prev := range current {
		if prev.ID == channelID {
			continue
		}
		if err := r.store.SetRole(ctx, prev.ID, store.RoleDestination); err != nil {
			return Registration{}, fmt.Errorf("demote source %s: %w", prev.ID, err)
		}
		reg.Demoted = prev.ID
		logger.InfoCF("registry", "Previous source demoted to destination", map[string]any{
			"channel": prev.ID,
		})
	}

	if err := r.store.UpsertChannel(ctx, reg.Channel); err != nil {
		return Registration{}, fmt.Errorf("save source %s: %w", channelID, err)
	}
	logger.InfoCF("registry", "Source channel set", map[string]any{
		"channel": channelID,
		"title":   reg.Channel.Title,
	})
	return reg, nil
}

// AddDestination registers channelID as a destination. Re-adding the
// current source turns it into a destination.
func (r *Registry) AddDestination(ctx context.Context, channelID string) (Registration, error) {
	reg, err := r.inspect(ctx, channelID, store.RoleDestination)
	if err != nil {
		return Registration{}, err
	}
	if err := r.store.UpsertChannel(ctx, reg.Channel); err != nil {
		return Registration{}, fmt.Errorf("save destination %s: %w", channelID, err)
	}
	logger.InfoCF("registry", "Destination channel added", map[string]any{
		"channel": channelID,
		"title":   reg.Channel.Title,
	})
	return reg, nil
}

// Remove hard-deletes a registered channel. Usernames are resolved to the
// stored numeric id when the platform still knows the chat.
func (r *Registry) Remove(ctx context.Context, channelID string) error {
	if chat, err := r.inspector.GetChat(ctx, channelID); err == nil && chat.ID != "" {
		channelID = chat.ID
	}
	if err := r.store.DeleteChannel(ctx, channelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &platform.NotFoundError{What: "channel " + channelID}
		}
		return fmt.Errorf("remove channel %s: %w", channelID, err)
	}
	logger.InfoCF("registry", "Channel removed", map[string]any{"channel": channelID})
	return nil
}

// ListAll returns the source (if any) and every active destination.
func (r *Registry) ListAll(ctx context.Context) (Listing, error) {
	sources, err := r.Source(ctx)
	if err != nil {
		return Listing{}, err
	}
	dests, err := r.Destinations(ctx)
	if err != nil {
		return Listing{}, err
	}
	l := Listing{Destinations: dests}
	if len(sources) > 0 {
		src := sources[0]
		l.Source = &src
	}
	return l, nil
}

// Source returns the active source channel as a zero- or one-element list.
func (r *Registry) Source(ctx context.Context) ([]store.Channel, error) {
	src, err := r.store.ListChannels(ctx, store.RoleSource)
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}
	return src, nil
}

// SourceID returns the active source channel id, or "" when none is set.
func (r *Registry) SourceID(ctx context.Context) (string, error) {
	src, err := r.Source(ctx)
	if err != nil || len(src) == 0 {
		return "", err
	}
	return src[0].ID, nil
}

// Destinations returns active destinations in registration order.
func (r *Registry) Destinations(ctx context.Context) ([]store.Channel, error) {
	dests, err := r.store.ListChannels(ctx, store.RoleDestination)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return dests, nil
}

// inspect verifies the bot administers channelID and builds its record.
func (r *Registry) inspect(ctx context.Context, channelID string, role store.Role) (Registration, error) {
	chat, err := r.inspector.GetChat(ctx, channelID)
	if err != nil {
		return Registration{}, err
	}
	// usernames resolve to the numeric id the platform reports in updates
	id := chat.ID
	if id == "" {
		id = channelID
	}

	perms, err := r.inspector.BotPermissions(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	if !perms.IsAdmin {
		return Registration{}, &platform.NotAdminError{ChatID: id, Title: chat.Title}
	}

	reg := Registration{Channel: store.Channel{
		ID:     id,
		Role:   role,
		Title:  chat.Title,
		Active: true,
	}}
	if existing, err := r.store.GetChannel(ctx, id); err == nil {
		reg.Channel.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return Registration{}, fmt.Errorf("load channel %s: %w", id, err)
	}

	// destinations receive approvals and deletions; the source only needs admin
	if role == store.RoleDestination {
		switch {
		case !perms.CanInvite:
			reg.Warning = &platform.MissingCapabilityError{ChatID: id, Capability: "invite_users"}
		case !perms.CanDelete:
			reg.Warning = &platform.MissingCapabilityError{ChatID: id, Capability: "delete_messages"}
		}
	}
	if reg.Warning != nil {
		logger.WarnCF("registry", "Channel registered with missing permission", map[string]any{
			"channel":    id,
			"capability": reg.Warning.Capability,
		})
	}
	return reg, nil
}
