package commands

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/channelrelay/pkg/bulk"
	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/channels"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/platform/platformtest"
	"github.com/tinyland-inc/channelrelay/pkg/registry"
	"github.com/tinyland-inc/channelrelay/pkg/relay"
	"github.com/tinyland-inc/channelrelay/pkg/store"
	"github.com/tinyland-inc/channelrelay/pkg/store/memstore"
)

const adminChat = "555"

var full = platform.Permissions{IsAdmin: true, CanInvite: true, CanDelete: true}

type env struct {
	d      *Dispatcher
	client *platformtest.Client
	store  *memstore.Store
	runner *bulk.Runner
	engine *relay.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	client := platformtest.New()
	client.AddChat("-100S", "Source", full)
	client.AddChat("-100D1", "Dest 1", full)
	client.AddChat("-100D2", "Dest 2", full)
	s := memstore.New()
	reg := registry.New(s, client)
	engine := relay.NewEngine(reg, s, s, client, relay.Options{})
	runner := bulk.NewRunner()

	d := NewDispatcher(Deps{
		Auth:     channels.NewBaseChannel("telegram", nil, []string{"555"}),
		Platform: client,
		Registry: reg,
		Engine:   engine,
		Approver: bulk.NewApprover(client, client, s, 100, 0),
		Cleaner:  bulk.NewCleaner(s, s, client, 0),
		Runner:   runner,
		Counter:  s,
	})
	return &env{d: d, client: client, store: s, runner: runner, engine: engine}
}

func (e *env) send(t *testing.T, text string) string {
	t.Helper()
	require.NoError(t, e.d.Handle(context.Background(), bus.InboundMessage{
		Kind:     bus.KindCommand,
		ChatID:   adminChat,
		SenderID: "555|alice",
		Content:  text,
	}))
	e.runner.Wait()
	return e.client.LastText(adminChat)
}

func TestHandle_Unauthorized(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.d.Handle(context.Background(), bus.InboundMessage{
		Kind: bus.KindCommand, ChatID: "999", SenderID: "999|mallory", Content: "/add -100D1",
	}))
	assert.Contains(t, e.client.LastText("999"), "not authorized")
	dests, _ := e.store.ListChannels(context.Background(), store.RoleDestination)
	assert.Empty(t, dests)
}

func TestHandle_HelpAndUnknown(t *testing.T) {
	e := newEnv(t)
	assert.Contains(t, e.send(t, "/help"), "/approve <channel_id>")
	assert.Contains(t, e.send(t, "/frobnicate"), "Unknown command /frobnicate")
}

func TestHandle_MissingArgument(t *testing.T) {
	e := newEnv(t)
	for _, cmd := range []string{"/add", "/main", "/remove", "/approve", "/delete", "/cleanup"} {
		reply := e.send(t, cmd)
		assert.Contains(t, reply, "Usage: "+cmd, cmd)
	}
	assert.Contains(t, e.send(t, "/cleanup soon"), "not a positive number")
}

func TestHandle_RegistryCommands(t *testing.T) {
	e := newEnv(t)

	assert.Contains(t, e.send(t, "/main -100S"), "Source channel set")
	assert.Contains(t, e.send(t, "/add -100D1"), "Added as destination")
	assert.Contains(t, e.send(t, "/add -100D2"), "Added as destination")

	list := e.send(t, "/list")
	assert.Contains(t, list, "Source Channel:\n• Source")
	assert.Contains(t, list, "Destination Channels (2)")

	assert.Contains(t, e.send(t, "/main -100D1"), "Previous source -100S is now a destination")

	assert.Contains(t, e.send(t, "/remove -100D2"), "removed successfully")
	assert.Contains(t, e.send(t, "/remove -100D2"), "not found in database")
}

func TestHandle_NotAdmin(t *testing.T) {
	e := newEnv(t)
	e.client.AddChat("-100X", "Rights-less", platform.Permissions{})
	assert.Contains(t, e.send(t, "/add -100X"), "Bot is not admin in channel: Rights-less")
}

func TestHandle_AddWarnsOnMissingInvite(t *testing.T) {
	e := newEnv(t)
	e.client.AddChat("-100W", "Weak", platform.Permissions{IsAdmin: true, CanDelete: true})
	reply := e.send(t, "/add -100W")
	assert.Contains(t, reply, "Warning")
	assert.Contains(t, reply, "Added as destination")
}

func TestHandle_Approve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := int64(1); i <= 12; i++ {
		require.NoError(t, e.store.AddJoinRequest(ctx, store.JoinRequest{ChatID: "-100D1", UserID: i}))
	}

	reply := e.send(t, "/approve -100D1")
	assert.Contains(t, reply, "Successfully Approved: 12/12")
	assert.Len(t, e.client.Approved("-100D1"), 12)

	var progressed bool
	for _, call := range e.client.Calls(platformtest.OpEditText) {
		if call.Text == "⏳ Processing 10/12\nApproved: 10" {
			progressed = true
		}
	}
	assert.True(t, progressed, "status message edited with progress")

	assert.Contains(t, e.send(t, "/approve -100D1"), "No pending join requests")
}

func TestHandle_ApproveByUsername(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.client.AddAlias("@dest1", "-100D1")
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, e.store.AddJoinRequest(ctx, store.JoinRequest{ChatID: "-100D1", UserID: i}))
	}

	reply := e.send(t, "/approve @dest1")
	assert.Contains(t, reply, "Successfully Approved: 3/3")
	assert.Len(t, e.client.Approved("-100D1"), 3)

	release := make(chan struct{})
	_, err := e.runner.Start(ctx, bulk.KindApprove, "-100D1", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, e.d.Handle(ctx, bus.InboundMessage{
		Kind: bus.KindCommand, ChatID: adminChat, SenderID: "555|alice", Content: "/approve @dest1",
	}))
	last := e.client.Calls(platformtest.OpEditText)
	require.NotEmpty(t, last)
	assert.Equal(t, "⏳ approve for -100D1 is already running.", last[len(last)-1].Text)
	close(release)
	e.runner.Wait()
}

func TestHandle_ApproveWithoutInvite(t *testing.T) {
	e := newEnv(t)
	e.client.AddChat("-100N", "NoInvite", platform.Permissions{IsAdmin: true})
	assert.Contains(t, e.send(t, "/approve -100N"), `"invite_users" permission`)
}

func TestHandle_DeleteByLink(t *testing.T) {
	client := platformtest.New()
	client.AddChat("-1001111", "Source", full)
	client.AddChat("-1002222", "Dest", full)
	s := memstore.New()
	reg := registry.New(s, client)
	engine := relay.NewEngine(reg, s, s, client, relay.Options{})
	runner := bulk.NewRunner()
	d := NewDispatcher(Deps{
		Auth: channels.NewBaseChannel("telegram", nil, []string{"555"}), Platform: client,
		Registry: reg, Engine: engine, Runner: runner, Counter: s,
		Approver: bulk.NewApprover(client, client, s, 100, 0), Cleaner: bulk.NewCleaner(s, s, client, 0),
	})
	e := &env{d: d, client: client, store: s, runner: runner, engine: engine}
	ctx := context.Background()

	e.send(t, "/main -1001111")
	e.send(t, "/add -1002222")
	_, err := engine.OnSourcePost(ctx, bus.InboundMessage{Kind: bus.KindChannelPost, ChatID: "-1001111", MessageID: 42})
	require.NoError(t, err)
	_, err = engine.OnSourcePost(ctx, bus.InboundMessage{Kind: bus.KindChannelPost, ChatID: "-1001111", MessageID: 43})
	require.NoError(t, err)

	assert.Contains(t, e.send(t, "/delete https://t.me/c/1111/42"), "Deleted 1/1 relayed copies of message 42")

	copyID := client.Calls(platformtest.OpCopy)[1].Result[0]
	assert.Contains(t, e.send(t, fmt.Sprintf("/delete https://t.me/c/2222/%d", copyID)), "(source message 43)")

	n, _ := s.CountMappings(ctx)
	assert.Zero(t, n)
	assert.Contains(t, e.send(t, "/delete https://t.me/c/1111/42"), "No relayed copies recorded")
	assert.Contains(t, e.send(t, "/delete https://t.me/c/2222/1"), "Not found")
}

func TestHandle_CleanupAndStats(t *testing.T) {
	e := newEnv(t)
	e.send(t, "/main -100S")
	e.send(t, "/add -100D1")
	_, err := e.engine.OnSourcePost(context.Background(), bus.InboundMessage{Kind: bus.KindChannelPost, ChatID: "-100S", MessageID: 1})
	require.NoError(t, err)

	stats := e.send(t, "/stats")
	assert.Contains(t, stats, "Source Channel: 1")
	assert.Contains(t, stats, "Destination Channels: 1")
	assert.Contains(t, stats, "Copies Delivered: 1")
	assert.Contains(t, stats, "Tracked Copies: 1")

	// nothing is 30 days old yet
	reply := e.send(t, "/cleanup 30")
	assert.Contains(t, reply, "Cleanup Report (older than 30 days)")
	assert.Contains(t, reply, "Copies found: 0")
}

func TestDescribeError(t *testing.T) {
	assert.Contains(t, DescribeError(&platform.NotAdminError{ChatID: "x"}), "Unknown")
	assert.Contains(t, DescribeError(&bulk.AlreadyRunningError{Kind: bulk.KindApprove, Target: "C"}), "already running")
	assert.Equal(t, "❌ Error: boom", DescribeError(fmt.Errorf("boom")))
}
