// Package bulk implements the administrator batch operations: approving
// every pending join request of a channel and cleaning up aged copies.
package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

const (
	DefaultPageSize = 100
	maxPageSize     = 100
	progressEvery   = 10
)

// ApprovalReport is the final count of one approval pass.
type ApprovalReport struct {
	ChatID    string
	Title     string
	Total     int
	Approved  int
	Failed    int
	Remaining int
}

// Progress is called every few approvals with the number processed so far.
type Progress func(processed, total, approved int)

type Approver struct {
	inspector platform.ChatInspector
	approver  platform.JoinApprover
	requests  store.JoinRequestStore
	pageSize  int
	delay     time.Duration
}

// NewApprover creates an approver. pageSize is clamped to the platform
// maximum of 100.
func NewApprover(inspector platform.ChatInspector, approver platform.JoinApprover, requests store.JoinRequestStore, pageSize int, delay time.Duration) *Approver {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = DefaultPageSize
	}
	return &Approver{
		inspector: inspector,
		approver:  approver,
		requests:  requests,
		pageSize:  pageSize,
		delay:     delay,
	}
}

// ApproveAllPending collects every pending request of chatID, then approves
// them one by one. Individual failures are counted, never fatal. The
// returned error is set only when nothing could be attempted.
func (a *Approver) ApproveAllPending(ctx context.Context, chatID string, progress Progress) (ApprovalReport, error) {
	rep := ApprovalReport{ChatID: chatID}

	chat, err := a.inspector.GetChat(ctx, chatID)
	if err != nil {
		return rep, err
	}
	// requests are stored under the numeric id updates carry
	if chat.ID != "" {
		chatID = chat.ID
		rep.ChatID = chatID
	}
	rep.Title = chat.Title
	perms, err := a.inspector.BotPermissions(ctx, chatID)
	if err != nil {
		return rep, err
	}
	if !perms.IsAdmin {
		return rep, &platform.NotAdminError{ChatID: chatID, Title: chat.Title}
	}
	if !perms.CanInvite {
		return rep, &platform.MissingCapabilityError{ChatID: chatID, Capability: "invite_users"}
	}

	pending, err := a.collect(ctx, chatID)
	if err != nil {
		return rep, err
	}
	rep.Total = len(pending)
	if rep.Total == 0 {
		return rep, nil
	}

	for i, req := range pending {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && i%progressEvery == 0 && progress != nil {
			progress(i, rep.Total, rep.Approved)
		}

		if err := a.approver.ApproveJoinRequest(ctx, chatID, req.UserID); err != nil {
			rep.Failed++
			logger.WarnCF("bulk", "Failed to approve join request", map[string]any{
				"chat":    chatID,
				"user_id": req.UserID,
				"error":   err.Error(),
			})
			// already handled or withdrawn; stop counting it as pending
			if platform.IsNotFound(err) {
				if derr := a.requests.DeleteJoinRequest(ctx, chatID, req.UserID); derr != nil {
					logger.WarnCF("bulk", "Failed to forget stale join request", map[string]any{
						"chat":    chatID,
						"user_id": req.UserID,
						"error":   derr.Error(),
					})
				}
			}
		} else {
			rep.Approved++
			if err := a.requests.MarkJoinRequestApproved(ctx, chatID, req.UserID); err != nil {
				logger.WarnCF("bulk", "Failed to mark join request approved", map[string]any{
					"chat":    chatID,
					"user_id": req.UserID,
					"error":   err.Error(),
				})
			}
		}
		sleep(ctx, a.delay)
	}

	remaining, err := a.collect(ctx, chatID)
	if err != nil {
		logger.WarnCF("bulk", "Failed to re-check pending requests", map[string]any{
			"chat":  chatID,
			"error": err.Error(),
		})
	}
	rep.Remaining = len(remaining)

	logger.InfoCF("bulk", "Join requests approved", map[string]any{
		"chat":      chatID,
		"total":     rep.Total,
		"approved":  rep.Approved,
		"failed":    rep.Failed,
		"remaining": rep.Remaining,
	})
	return rep, nil
}

// collect pages through every pending request before any is acted on, so
// the total is known up front.
func (a *Approver) collect(ctx context.Context, chatID string) ([]store.JoinRequest, error) {
	var all []store.JoinRequest
	for offset := 0; ; {
		page, err := a.requests.ListPendingJoinRequests(ctx, chatID, offset, a.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list pending join requests: %w", err)
		}
		all = append(all, page...)
		if len(page) < a.pageSize {
			return all, nil
		}
		offset += len(page)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
