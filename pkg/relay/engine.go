// Package relay mirrors source-channel posts to every destination exactly
// once and tracks the identity of each delivered copy.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

const (
	ModeCopy    = "copy"
	ModeForward = "forward"
)

// Channels resolves the current source and destinations.
type Channels interface {
	SourceID(ctx context.Context) (string, error)
	Destinations(ctx context.Context) ([]store.Channel, error)
}

// Outcome summarizes one fan-out. Failed destinations map to their error.
type Outcome struct {
	Ignored   bool
	Buffered  bool
	Delivered []string
	Skipped   []string
	Failed    map[string]error
}

func (o *Outcome) fail(dest string, err error) {
	if o.Failed == nil {
		o.Failed = make(map[string]error)
	}
	o.Failed[dest] = err
}

// DeletionReport counts the copies a deletion attempted and removed.
type DeletionReport struct {
	Attempted int
	Deleted   int
	Failed    int
}

type Options struct {
	Mode      string
	SendDelay time.Duration
}

type Engine struct {
	channels Channels
	ledger   store.Ledger
	mappings store.MappingStore
	relayer  platform.Relayer
	grouper  *Grouper
	mode     string
	delay    time.Duration
}

func NewEngine(channels Channels, ledger store.Ledger, mappings store.MappingStore, relayer platform.Relayer, opts Options) *Engine {
	mode := opts.Mode
	if mode == "" {
		mode = ModeCopy
	}
	return &Engine{
		channels: channels,
		ledger:   ledger,
		mappings: mappings,
		relayer:  relayer,
		mode:     mode,
		delay:    opts.SendDelay,
	}
}

// SetGrouper attaches the album buffer used for multi-part posts.
func (e *Engine) SetGrouper(g *Grouper) {
	e.grouper = g
}

// OnSourcePost relays a post from the source channel. Posts from other
// chats are ignored. Album constituents are buffered and relayed later by
// OnGroupSettled.
func (e *Engine) OnSourcePost(ctx context.Context, msg bus.InboundMessage) (Outcome, error) {
	sourceID, err := e.channels.SourceID(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if sourceID == "" || msg.ChatID != sourceID {
		return Outcome{Ignored: true}, nil
	}
	dests, err := e.channels.Destinations(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if len(dests) == 0 {
		return Outcome{Ignored: true}, nil
	}

	if msg.IsAlbumPart() && e.grouper != nil {
		e.grouper.Add(msg.ChatID, msg.MediaGroupID, Part{
			MessageID: msg.MessageID,
			Media:     msg.Media,
			Caption:   msg.Content,
		})
		return Outcome{Buffered: true}, nil
	}

	var out Outcome
	for i, dest := range dests {
		if i > 0 {
			e.pause(ctx)
		}
		delivered, err := e.ledger.IsDelivered(ctx, msg.ChatID, msg.MessageID, dest.ID)
		if err != nil {
			out.fail(dest.ID, err)
			continue
		}
		if delivered {
			out.Skipped = append(out.Skipped, dest.ID)
			continue
		}

		newID, err := e.sendOne(ctx, dest.ID, msg.ChatID, msg.MessageID)
		if err != nil {
			out.fail(dest.ID, err)
			logger.ErrorCF("relay", "Failed to relay message", map[string]any{
				"message_id":  msg.MessageID,
				"destination": dest.ID,
				"error":       err.Error(),
			})
			continue
		}
		e.record(ctx, msg.ChatID, msg.MessageID, dest.ID, newID)
		out.Delivered = append(out.Delivered, dest.ID)
	}

	logOutcome("Message relayed", msg.MessageID, out)
	return out, nil
}

// OnGroupSettled relays a settled album to every destination as one unit.
// A destination that already holds any constituent is skipped entirely.
func (e *Engine) OnGroupSettled(ctx context.Context, s Settled) Outcome {
	var out Outcome
	if len(s.Parts) == 0 {
		out.Ignored = true
		return out
	}
	dests, err := e.channels.Destinations(ctx)
	if err != nil {
		logger.ErrorCF("relay", "Failed to resolve destinations for album", map[string]any{
			"group_id": s.GroupID,
			"error":    err.Error(),
		})
		out.Ignored = true
		return out
	}

	items, ok := albumItems(s.Parts)
	for i, dest := range dests {
		if i > 0 {
			e.pause(ctx)
		}
		seen, err := e.anyDelivered(ctx, s, dest.ID)
		if err != nil {
			out.fail(dest.ID, err)
			continue
		}
		if seen {
			out.Skipped = append(out.Skipped, dest.ID)
			continue
		}

		var ids []int
		if ok {
			ids, err = e.relayer.SendMediaGroup(ctx, dest.ID, items)
		} else {
			ids, err = e.sendParts(ctx, dest.ID, s)
		}
		if err != nil {
			// parts sent before the failure exist in the destination
			for j, id := range ids {
				e.record(ctx, s.SourceChatID, s.Parts[j].MessageID, dest.ID, id)
			}
			out.fail(dest.ID, err)
			logger.ErrorCF("relay", "Failed to relay album", map[string]any{
				"group_id":    s.GroupID,
				"destination": dest.ID,
				"sent":        len(ids),
				"error":       err.Error(),
			})
			continue
		}
		for j, part := range s.Parts {
			newID := 0
			if j < len(ids) {
				newID = ids[j]
			}
			e.record(ctx, s.SourceChatID, part.MessageID, dest.ID, newID)
		}
		out.Delivered = append(out.Delivered, dest.ID)
	}

	logger.InfoCF("relay", "Album relayed", map[string]any{
		"group_id":  s.GroupID,
		"parts":     len(s.Parts),
		"delivered": len(out.Delivered),
		"skipped":   len(out.Skipped),
		"failed":    len(out.Failed),
		"stale":     s.Stale,
	})
	return out
}

// OnSourceDeletion deletes every delivered copy of a source message. Only
// mappings whose copy was deleted are removed.
func (e *Engine) OnSourceDeletion(ctx context.Context, sourceChatID string, sourceMessageID int) (DeletionReport, error) {
	mappings, err := e.mappings.FindAllBySource(ctx, sourceChatID, sourceMessageID)
	if err != nil {
		return DeletionReport{}, fmt.Errorf("find copies of %s/%d: %w", sourceChatID, sourceMessageID, err)
	}

	var rep DeletionReport
	for i, m := range mappings {
		if i > 0 {
			e.pause(ctx)
		}
		rep.Attempted++
		if err := e.deleteMessage(ctx, m.DestinationChatID, m.DestinationMessageID); err != nil {
			rep.Failed++
			logger.WarnCF("relay", "Failed to delete relayed copy", map[string]any{
				"destination": m.DestinationChatID,
				"message_id":  m.DestinationMessageID,
				"error":       err.Error(),
			})
			continue
		}
		if err := e.mappings.DeleteMapping(ctx, m.DestinationChatID, m.DestinationMessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.WarnCF("relay", "Copy deleted but mapping kept", map[string]any{
				"destination": m.DestinationChatID,
				"message_id":  m.DestinationMessageID,
				"error":       err.Error(),
			})
		}
		rep.Deleted++
	}

	logger.InfoCF("relay", "Source deletion propagated", map[string]any{
		"source":     sourceChatID,
		"message_id": sourceMessageID,
		"attempted":  rep.Attempted,
		"deleted":    rep.Deleted,
		"failed":     rep.Failed,
	})
	return rep, nil
}

// DeleteCopy deletes one delivered copy identified by its destination
// coordinates and forgets its mapping.
func (e *Engine) DeleteCopy(ctx context.Context, destinationChatID string, destinationMessageID int) (store.IdentityMapping, error) {
	m, err := e.mappings.FindByDestination(ctx, destinationChatID, destinationMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.IdentityMapping{}, &platform.NotFoundError{
				What: fmt.Sprintf("relayed copy %s/%d", destinationChatID, destinationMessageID),
			}
		}
		return store.IdentityMapping{}, err
	}
	if err := e.deleteMessage(ctx, destinationChatID, destinationMessageID); err != nil {
		return m, err
	}
	if err := e.mappings.DeleteMapping(ctx, destinationChatID, destinationMessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return m, fmt.Errorf("remove mapping: %w", err)
	}
	return m, nil
}

// deleteMessage treats a copy that no longer exists as deleted.
func (e *Engine) deleteMessage(ctx context.Context, chatID string, messageID int) error {
	err := e.relayer.DeleteMessage(ctx, chatID, messageID)
	if err != nil && platform.IsNotFound(err) {
		logger.DebugCF("relay", "Relayed copy already gone", map[string]any{
			"destination": chatID,
			"message_id":  messageID,
		})
		return nil
	}
	return err
}

func (e *Engine) sendOne(ctx context.Context, toChatID, fromChatID string, messageID int) (int, error) {
	if e.mode == ModeForward {
		return e.relayer.ForwardMessage(ctx, toChatID, fromChatID, messageID)
	}
	return e.relayer.CopyMessage(ctx, toChatID, fromChatID, messageID)
}

// sendParts relays an album one constituent at a time, for albums holding
// content that cannot be re-sent as a media group. Each copy keeps its own
// caption. On failure it returns the ids of the parts already sent.
func (e *Engine) sendParts(ctx context.Context, toChatID string, s Settled) ([]int, error) {
	ids := make([]int, 0, len(s.Parts))
	for _, p := range s.Parts {
		id, err := e.sendOne(ctx, toChatID, s.SourceChatID, p.MessageID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) anyDelivered(ctx context.Context, s Settled, dest string) (bool, error) {
	for _, p := range s.Parts {
		ok, err := e.ledger.IsDelivered(ctx, s.SourceChatID, p.MessageID, dest)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// record persists a confirmed delivery. Store failures are logged; the copy
// already exists so the fan-out continues.
func (e *Engine) record(ctx context.Context, sourceChatID string, sourceMessageID int, dest string, newID int) {
	if err := e.ledger.RecordDelivery(ctx, store.RelayRecord{
		SourceChatID:      sourceChatID,
		SourceMessageID:   sourceMessageID,
		DestinationChatID: dest,
	}); err != nil {
		logger.ErrorCF("relay", "Failed to record delivery", map[string]any{
			"message_id":  sourceMessageID,
			"destination": dest,
			"error":       err.Error(),
		})
	}
	if newID == 0 {
		return
	}
	if err := e.mappings.RecordMapping(ctx, store.IdentityMapping{
		SourceChatID:         sourceChatID,
		SourceMessageID:      sourceMessageID,
		DestinationChatID:    dest,
		DestinationMessageID: newID,
	}); err != nil {
		logger.ErrorCF("relay", "Failed to record identity mapping", map[string]any{
			"message_id":  sourceMessageID,
			"destination": dest,
			"error":       err.Error(),
		})
	}
}

func (e *Engine) pause(ctx context.Context) {
	if e.delay <= 0 {
		return
	}
	t := time.NewTimer(e.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// albumItems builds the media-group payload. The caption of the first
// constituent that has one is moved to the first item. ok is false when a
// constituent has no album-capable media.
func albumItems(parts []Part) ([]platform.MediaItem, bool) {
	items := make([]platform.MediaItem, 0, len(parts))
	caption := ""
	for _, p := range parts {
		if p.Media == nil || p.Media.FileID == "" {
			return nil, false
		}
		if caption == "" {
			caption = p.Media.Caption
			if caption == "" {
				caption = p.Caption
			}
		}
		items = append(items, platform.MediaItem{Kind: p.Media.Kind, FileID: p.Media.FileID})
	}
	items[0].Caption = caption
	return items, true
}

func logOutcome(msg string, messageID int, out Outcome) {
	if len(out.Delivered) == 0 && len(out.Failed) == 0 {
		return
	}
	fields := map[string]any{
		"message_id": messageID,
		"delivered":  len(out.Delivered),
		"skipped":    len(out.Skipped),
	}
	if len(out.Failed) > 0 {
		failed := make([]string, 0, len(out.Failed))
		for dest := range out.Failed {
			failed = append(failed, dest)
		}
		fields["failed"] = failed
		logger.WarnCF("relay", msg, fields)
		return
	}
	logger.InfoCF("relay", msg, fields)
}
