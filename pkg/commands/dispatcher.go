// Package commands implements the administrator command surface: parse,
// authorize, run one operation and reply with a status report.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinyland-inc/channelrelay/pkg/bulk"
	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/registry"
	"github.com/tinyland-inc/channelrelay/pkg/relay"
)

const helpText = `🤖 Channel Relay Bot

Commands:
• /add <channel_id> - Add a destination channel
• /main <channel_id> - Set the source channel (only one allowed)
• /approve <channel_id> - Approve all pending join requests in a channel
• /list - List all registered channels
• /remove <channel_id> - Remove a channel
• /stats - Show bot statistics
• /delete <message link> - Delete a post's relayed copies, or one copy
• /cleanup <days> - Delete relayed copies older than <days>

Required bot permissions:
- Source channel: admin
- Destination channels: admin with "Invite Users" and "Delete Messages"`

// Authorizer decides whether a sender may run commands.
type Authorizer interface {
	IsAllowed(senderID string) bool
}

// Platform is what the dispatcher needs to reply and resolve chats.
type Platform interface {
	platform.Messenger
	platform.ChatInspector
}

// Counter reports stored totals for /stats.
type Counter interface {
	CountDeliveries(ctx context.Context) (int, error)
	CountMappings(ctx context.Context) (int, error)
}

type Deps struct {
	Auth       Authorizer
	Platform   Platform
	Registry   *registry.Registry
	Engine     *relay.Engine
	Approver   *bulk.Approver
	Cleaner    *bulk.Cleaner
	Runner     *bulk.Runner
	Counter    Counter
	LedgerDays int
}

type handlerFunc func(ctx context.Context, chatID string, args []string) (string, error)

type Dispatcher struct {
	deps     Deps
	handlers map[string]handlerFunc
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{deps: deps}
	d.handlers = map[string]handlerFunc{
		"start":   d.help,
		"help":    d.help,
		"add":     d.add,
		"main":    d.setMain,
		"approve": d.approve,
		"list":    d.list,
		"remove":  d.remove,
		"stats":   d.stats,
		"delete":  d.deleteByLink,
		"cleanup": d.cleanup,
	}
	return d
}

// Handle runs one command message and replies in its chat.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) error {
	name, args, ok := ParseCommand(msg.Content)
	if !ok {
		return nil
	}
	if !d.deps.Auth.IsAllowed(msg.SenderID) {
		logger.WarnCF("commands", "Unauthorized command", map[string]any{
			"sender":  msg.SenderID,
			"command": name,
		})
		return d.reply(ctx, msg.ChatID, "❌ You are not authorized to use this command.")
	}

	handler, ok := d.handlers[name]
	if !ok {
		return d.reply(ctx, msg.ChatID, fmt.Sprintf("Unknown command /%s. Send /help for the list.", name))
	}

	logger.InfoCF("commands", "Command received", map[string]any{
		"sender":  msg.SenderID,
		"command": name,
		"args":    args,
	})
	text, err := handler(ctx, msg.ChatID, args)
	if err != nil {
		logger.WarnCF("commands", "Command failed", map[string]any{
			"command": name,
			"error":   err.Error(),
		})
		text = DescribeError(err)
	}
	if text == "" {
		return nil
	}
	return d.reply(ctx, msg.ChatID, text)
}

func (d *Dispatcher) reply(ctx context.Context, chatID, text string) error {
	if _, err := d.deps.Platform.SendText(ctx, chatID, text); err != nil {
		return fmt.Errorf("reply to %s: %w", chatID, err)
	}
	return nil
}

func (d *Dispatcher) help(context.Context, string, []string) (string, error) {
	return helpText, nil
}

func requireArg(args []string, usage string) (string, error) {
	if len(args) == 0 {
		return "", &MalformedInputError{Reason: "❌ Please provide a channel ID.", Usage: usage}
	}
	return args[0], nil
}

func (d *Dispatcher) add(ctx context.Context, _ string, args []string) (string, error) {
	channelID, err := requireArg(args, "/add <channel_id>")
	if err != nil {
		return "", err
	}
	reg, err := d.deps.Registry.AddDestination(ctx, channelID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if reg.Warning != nil {
		fmt.Fprintf(&b, "⚠️ Warning: %s\nSome features may not work.\n\n", reg.Warning.Error())
	}
	fmt.Fprintf(&b, "✅ Added as destination channel!\nChannel: %s\nID: %s", reg.Channel.Title, reg.Channel.ID)
	return b.String(), nil
}

func (d *Dispatcher) setMain(ctx context.Context, _ string, args []string) (string, error) {
	channelID, err := requireArg(args, "/main <channel_id>")
	if err != nil {
		return "", err
	}
	reg, err := d.deps.Registry.SetSource(ctx, channelID)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("✅ Source channel set!\nChannel: %s\nID: %s", reg.Channel.Title, reg.Channel.ID)
	if reg.Demoted != "" {
		text += fmt.Sprintf("\nPrevious source %s is now a destination.", reg.Demoted)
	}
	return text, nil
}

func (d *Dispatcher) remove(ctx context.Context, _ string, args []string) (string, error) {
	channelID, err := requireArg(args, "/remove <channel_id>")
	if err != nil {
		return "", err
	}
	if err := d.deps.Registry.Remove(ctx, channelID); err != nil {
		if platform.IsNotFound(err) {
			return fmt.Sprintf("❌ Channel %s not found in database.", channelID), nil
		}
		return "", err
	}
	return fmt.Sprintf("✅ Channel removed successfully!\nID: %s", channelID), nil
}

func (d *Dispatcher) list(ctx context.Context, _ string, _ []string) (string, error) {
	l, err := d.deps.Registry.ListAll(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("📊 Registered Channels\n\n")
	if l.Source != nil {
		fmt.Fprintf(&b, "🏠 Source Channel:\n• %s\n  ID: %s\n\n", titleOr(l.Source.Title), l.Source.ID)
	} else {
		b.WriteString("❌ No source channel set\n\n")
	}
	if len(l.Destinations) == 0 {
		b.WriteString("❌ No destination channels added")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "📢 Destination Channels (%d):\n", len(l.Destinations))
	for i, ch := range l.Destinations {
		fmt.Fprintf(&b, "%d. %s\n   ID: %s\n", i+1, titleOr(ch.Title), ch.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) stats(ctx context.Context, _ string, _ []string) (string, error) {
	l, err := d.deps.Registry.ListAll(ctx)
	if err != nil {
		return "", err
	}
	delivered, err := d.deps.Counter.CountDeliveries(ctx)
	if err != nil {
		return "", err
	}
	mappings, err := d.deps.Counter.CountMappings(ctx)
	if err != nil {
		return "", err
	}
	sources := 0
	if l.Source != nil {
		sources = 1
	}

	var b strings.Builder
	b.WriteString("📈 Bot Statistics\n\n")
	fmt.Fprintf(&b, "• Source Channel: %d\n", sources)
	fmt.Fprintf(&b, "• Destination Channels: %d\n", len(l.Destinations))
	fmt.Fprintf(&b, "• Total Channels: %d\n", sources+len(l.Destinations))
	fmt.Fprintf(&b, "• Copies Delivered: %d\n", delivered)
	fmt.Fprintf(&b, "• Tracked Copies: %d", mappings)
	if active := d.deps.Runner.Active(); len(active) > 0 {
		fmt.Fprintf(&b, "\n• Running Jobs: %d", len(active))
		for _, run := range active {
			fmt.Fprintf(&b, "\n  - %s %s", run.Kind, run.Target)
		}
	}
	return b.String(), nil
}

// approve runs in the background and reports through an edited status
// message, so the worker keeps relaying meanwhile.
func (d *Dispatcher) approve(ctx context.Context, chatID string, args []string) (string, error) {
	channelID, err := requireArg(args, "/approve <channel_id>")
	if err != nil {
		return "", err
	}
	channelID = d.resolveChatID(ctx, channelID)
	statusID, err := d.deps.Platform.SendText(ctx, chatID, "⏳ Fetching pending join requests...")
	if err != nil {
		return "", err
	}
	status := func(text string) {
		if err := d.deps.Platform.EditText(ctx, chatID, statusID, text); err != nil {
			logger.DebugCF("commands", "Status edit failed", map[string]any{"error": err.Error()})
		}
	}

	_, err = d.deps.Runner.Start(ctx, bulk.KindApprove, channelID, func(ctx context.Context) (any, error) {
		rep, err := d.deps.Approver.ApproveAllPending(ctx, channelID, func(processed, total, approved int) {
			status(fmt.Sprintf("⏳ Processing %d/%d\nApproved: %d", processed, total, approved))
		})
		if err != nil {
			status(DescribeError(err))
			return rep, err
		}
		status(FormatApprovalReport(rep))
		return rep, nil
	})
	if err != nil {
		status(DescribeError(err))
	}
	return "", nil
}

func (d *Dispatcher) cleanup(ctx context.Context, chatID string, args []string) (string, error) {
	if len(args) == 0 {
		return "", &MalformedInputError{Reason: "❌ Please provide an age in days.", Usage: "/cleanup <days>"}
	}
	days, err := ParseDays(args[0], "/cleanup <days>")
	if err != nil {
		return "", err
	}
	if err := d.reply(ctx, chatID, fmt.Sprintf("⏳ Deleting relayed copies older than %d days...", days)); err != nil {
		return "", err
	}
	_, err = d.deps.Runner.Start(ctx, bulk.KindCleanup, "all", func(ctx context.Context) (any, error) {
		rep, err := d.deps.Cleaner.CleanupOld(ctx, days, d.deps.LedgerDays)
		text := FormatCleanupReport(days, rep)
		if err != nil {
			text = DescribeError(err)
		}
		if rerr := d.reply(ctx, chatID, text); rerr != nil {
			logger.WarnCF("commands", "Cleanup report not delivered", map[string]any{"error": rerr.Error()})
		}
		return rep, err
	})
	return "", err
}

func (d *Dispatcher) deleteByLink(ctx context.Context, _ string, args []string) (string, error) {
	if len(args) == 0 {
		return "", &MalformedInputError{Reason: "❌ Please provide a message link.", Usage: "/delete <https://t.me/c/123/45>"}
	}
	chatID, messageID, err := ParseMessageLink(args[0])
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(chatID, "@") {
		chat, err := d.deps.Platform.GetChat(ctx, chatID)
		if err != nil {
			return "", err
		}
		chatID = chat.ID
	}

	sourceID, err := d.deps.Registry.SourceID(ctx)
	if err != nil {
		return "", err
	}
	if chatID == sourceID {
		rep, err := d.deps.Engine.OnSourceDeletion(ctx, chatID, messageID)
		if err != nil {
			return "", err
		}
		if rep.Attempted == 0 {
			return fmt.Sprintf("❌ No relayed copies recorded for message %d.", messageID), nil
		}
		text := fmt.Sprintf("🗑 Deleted %d/%d relayed copies of message %d.", rep.Deleted, rep.Attempted, messageID)
		if rep.Failed > 0 {
			text += fmt.Sprintf("\n❌ Failed: %d", rep.Failed)
		}
		return text, nil
	}

	m, err := d.deps.Engine.DeleteCopy(ctx, chatID, messageID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑 Deleted copy %d in %s (source message %d).", messageID, chatID, m.SourceMessageID), nil
}

// resolveChatID maps an @username to the numeric chat id so runs started
// here share their key with scheduled runs. Unresolvable ids are returned
// unchanged and fail later with a proper report.
func (d *Dispatcher) resolveChatID(ctx context.Context, chatID string) string {
	if !strings.HasPrefix(chatID, "@") {
		return chatID
	}
	chat, err := d.deps.Platform.GetChat(ctx, chatID)
	if err != nil || chat.ID == "" {
		return chatID
	}
	return chat.ID
}

// FormatApprovalReport renders the final approval summary.
func FormatApprovalReport(rep bulk.ApprovalReport) string {
	name := titleOr(rep.Title)
	if rep.Total == 0 {
		return fmt.Sprintf("✅ No pending join requests found in: %s", name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Approval Report for %s\n\n", name)
	fmt.Fprintf(&b, "✅ Successfully Approved: %d/%d", rep.Approved, rep.Total)
	if rep.Failed > 0 {
		fmt.Fprintf(&b, "\n❌ Failed: %d", rep.Failed)
	}
	if rep.Remaining > 0 {
		fmt.Fprintf(&b, "\n\n⚠️ Note: %d requests still pending.\nSome requests might have been made after we started processing.", rep.Remaining)
	}
	return b.String()
}

// FormatCleanupReport renders the final cleanup summary.
func FormatCleanupReport(days int, rep bulk.CleanupReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 Cleanup Report (older than %d days)\n\n", days)
	fmt.Fprintf(&b, "• Copies found: %d\n", rep.Scanned)
	fmt.Fprintf(&b, "• Deleted: %d\n", rep.Deleted)
	fmt.Fprintf(&b, "• Failed: %d", rep.Failed)
	if rep.LedgerPruned > 0 {
		fmt.Fprintf(&b, "\n• Ledger entries pruned: %d", rep.LedgerPruned)
	}
	return b.String()
}

// DescribeError turns an operation failure into the reply an administrator sees.
func DescribeError(err error) string {
	var (
		malformed *MalformedInputError
		notAdmin  *platform.NotAdminError
		missing   *platform.MissingCapabilityError
		notFound  *platform.NotFoundError
		busy      *bulk.AlreadyRunningError
	)
	switch {
	case errors.As(err, &malformed):
		return malformed.Error()
	case errors.As(err, &notAdmin):
		return fmt.Sprintf("❌ Bot is not admin in channel: %s\nPlease make bot admin with all permissions first.", titleOr(notAdmin.Title))
	case errors.As(err, &missing):
		return fmt.Sprintf("❌ Bot doesn't have the %q permission in %s.", missing.Capability, missing.ChatID)
	case errors.As(err, &notFound):
		return "❌ Not found: " + notFound.What + ". Check the id and that the bot is a member."
	case errors.As(err, &busy):
		return fmt.Sprintf("⏳ %s for %s is already running.", busy.Kind, busy.Target)
	default:
		return "❌ Error: " + err.Error()
	}
}

func titleOr(title string) string {
	if title == "" {
		return "Unknown"
	}
	return title
}
