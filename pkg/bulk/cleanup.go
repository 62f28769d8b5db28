package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

const day = 24 * time.Hour

// CleanupReport counts what one cleanup pass removed.
type CleanupReport struct {
	Scanned         int
	Deleted         int
	Failed          int
	MappingsRemoved int
	LedgerPruned    int
}

type Cleaner struct {
	mappings store.MappingStore
	ledger   store.Ledger
	relayer  platform.Relayer
	delay    time.Duration
}

func NewCleaner(mappings store.MappingStore, ledger store.Ledger, relayer platform.Relayer, delay time.Duration) *Cleaner {
	return &Cleaner{mappings: mappings, ledger: ledger, relayer: relayer, delay: delay}
}

// CleanupOld deletes every relayed copy older than days and forgets its
// mapping whether or not the delete succeeded. Ledger entries older than
// ledgerDays are pruned afterwards; ledgerDays <= 0 keeps the ledger.
func (c *Cleaner) CleanupOld(ctx context.Context, days, ledgerDays int) (CleanupReport, error) {
	var rep CleanupReport
	if days <= 0 {
		return rep, fmt.Errorf("cleanup age must be positive, got %d days", days)
	}

	old, err := c.mappings.FindOlderThan(ctx, time.Duration(days)*day)
	if err != nil {
		return rep, fmt.Errorf("find aged copies: %w", err)
	}
	rep.Scanned = len(old)

	for i, m := range old {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			sleep(ctx, c.delay)
		}
		if err := c.relayer.DeleteMessage(ctx, m.DestinationChatID, m.DestinationMessageID); err != nil {
			rep.Failed++
			logger.WarnCF("bulk", "Failed to delete aged copy", map[string]any{
				"destination": m.DestinationChatID,
				"message_id":  m.DestinationMessageID,
				"error":       err.Error(),
			})
		} else {
			rep.Deleted++
		}
		if err := c.mappings.DeleteMapping(ctx, m.DestinationChatID, m.DestinationMessageID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.WarnCF("bulk", "Failed to remove mapping", map[string]any{
					"destination": m.DestinationChatID,
					"message_id":  m.DestinationMessageID,
					"error":       err.Error(),
				})
			}
			continue
		}
		rep.MappingsRemoved++
	}

	if ledgerDays > 0 {
		n, err := c.ledger.PruneOlderThan(ctx, time.Duration(ledgerDays)*day)
		if err != nil {
			return rep, fmt.Errorf("prune ledger: %w", err)
		}
		rep.LedgerPruned = n
	}

	logger.InfoCF("bulk", "Cleanup finished", map[string]any{
		"days":           days,
		"scanned":        rep.Scanned,
		"deleted":        rep.Deleted,
		"failed":         rep.Failed,
		"ledger_pruned":  rep.LedgerPruned,
		"mappings_freed": rep.MappingsRemoved,
	})
	return rep, nil
}

// PruneLedger drops ledger entries older than days.
func (c *Cleaner) PruneLedger(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	n, err := c.ledger.PruneOlderThan(ctx, time.Duration(days)*day)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	logger.InfoCF("bulk", "Ledger pruned", map[string]any{"days": days, "removed": n})
	return n, nil
}
