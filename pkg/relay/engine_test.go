package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/platform/platformtest"
	"github.com/tinyland-inc/channelrelay/pkg/registry"
	"github.com/tinyland-inc/channelrelay/pkg/store"
	"github.com/tinyland-inc/channelrelay/pkg/store/memstore"
)

var admin = platform.Permissions{IsAdmin: true, CanInvite: true, CanDelete: true}

type fixture struct {
	engine *Engine
	client *platformtest.Client
	store  *memstore.Store
}

func newFixture(t *testing.T, mode string, dests ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	client := platformtest.New()
	s := memstore.New()
	reg := registry.New(s, client)

	client.AddChat("S", "Source", admin)
	_, err := reg.SetSource(ctx, "S")
	require.NoError(t, err)
	for _, d := range dests {
		client.AddChat(d, "Dest "+d, admin)
		_, err := reg.AddDestination(ctx, d)
		require.NoError(t, err)
	}
	return &fixture{
		engine: NewEngine(reg, s, s, client, Options{Mode: mode}),
		client: client,
		store:  s,
	}
}

func post(id int) bus.InboundMessage {
	return bus.InboundMessage{Kind: bus.KindChannelPost, ChatID: "S", MessageID: id}
}

func TestOnSourcePost_FansOutAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")

	out, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, out.Delivered)

	for _, dest := range []string{"D1", "D2"} {
		ok, err := f.store.IsDelivered(ctx, "S", 42, dest)
		require.NoError(t, err)
		assert.True(t, ok, dest)
	}

	mappings, err := f.store.FindAllBySource(ctx, "S", 42)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	copies := f.client.Calls(platformtest.OpCopy)
	require.Len(t, copies, 2)
	for i, m := range mappings {
		assert.Equal(t, copies[i].ChatID, m.DestinationChatID)
		assert.Equal(t, copies[i].Result[0], m.DestinationMessageID)
	}
}

func TestOnSourcePost_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")

	_, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)
	out, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)

	assert.Empty(t, out.Delivered)
	assert.ElementsMatch(t, []string{"D1", "D2"}, out.Skipped)
	assert.Len(t, f.client.Calls(platformtest.OpCopy), 2)
	n, _ := f.store.CountMappings(ctx)
	assert.Equal(t, 2, n)
}

func TestOnSourcePost_PartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2", "D3")
	f.client.Fail(platformtest.OpCopy, "D2", &platform.TransientSendError{Op: "copyMessage", Err: errors.New("timeout")})

	out, err := f.engine.OnSourcePost(ctx, post(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D3"}, out.Delivered)
	require.Contains(t, out.Failed, "D2")

	for dest, want := range map[string]bool{"D1": true, "D2": false, "D3": true} {
		ok, _ := f.store.IsDelivered(ctx, "S", 7, dest)
		assert.Equal(t, want, ok, dest)
	}

	// the next pass retries only the failed destination
	f.client.Fail(platformtest.OpCopy, "D2", nil)
	out, err = f.engine.OnSourcePost(ctx, post(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"D2"}, out.Delivered)
}

func TestOnSourcePost_IgnoresOtherChats(t *testing.T) {
	f := newFixture(t, ModeCopy, "D1")
	msg := post(1)
	msg.ChatID = "OTHER"

	out, err := f.engine.OnSourcePost(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Empty(t, f.client.Calls(""))
}

func TestOnSourcePost_NoDestinations(t *testing.T) {
	f := newFixture(t, ModeCopy)
	out, err := f.engine.OnSourcePost(context.Background(), post(1))
	require.NoError(t, err)
	assert.True(t, out.Ignored)
}

func TestOnSourcePost_ForwardMode(t *testing.T) {
	f := newFixture(t, ModeForward, "D1")
	_, err := f.engine.OnSourcePost(context.Background(), post(5))
	require.NoError(t, err)
	assert.Len(t, f.client.Calls(platformtest.OpForward), 1)
	assert.Empty(t, f.client.Calls(platformtest.OpCopy))
}

func TestOnSourcePost_BuffersAlbumParts(t *testing.T) {
	f := newFixture(t, ModeCopy, "D1")
	var settled []Settled
	g := NewGrouper(time.Hour, 0, func(s Settled) { settled = append(settled, s) })
	f.engine.SetGrouper(g)

	msg := post(10)
	msg.MediaGroupID = "g1"
	msg.Media = &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "f10"}
	out, err := f.engine.OnSourcePost(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Buffered)
	assert.Equal(t, 1, g.Pending())
	assert.Empty(t, f.client.Calls(""))

	require.True(t, g.Settle("S", "g1"))
	require.Len(t, settled, 1)
}

func albumParts() Settled {
	return Settled{
		SourceChatID: "S",
		GroupID:      "g1",
		Parts: []Part{
			{MessageID: 10, Media: &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "f10"}},
			{MessageID: 11, Media: &platform.MediaItem{Kind: platform.MediaVideo, FileID: "f11", Caption: "caption"}},
			{MessageID: 12, Media: &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "f12"}},
		},
	}
}

func TestOnGroupSettled_OneSendPerDestination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")

	out := f.engine.OnGroupSettled(ctx, albumParts())
	assert.Equal(t, []string{"D1", "D2"}, out.Delivered)

	groups := f.client.Calls(platformtest.OpMediaGroup)
	require.Len(t, groups, 2)
	for _, call := range groups {
		require.Len(t, call.Items, 3)
		assert.Equal(t, "caption", call.Items[0].Caption, "caption moves to the first item")
		assert.Empty(t, call.Items[1].Caption)
		assert.Empty(t, call.Items[2].Caption)
		assert.Equal(t, []string{"f10", "f11", "f12"}, []string{call.Items[0].FileID, call.Items[1].FileID, call.Items[2].FileID})
	}

	for _, id := range []int{10, 11, 12} {
		ok, _ := f.store.IsDelivered(ctx, "S", id, "D2")
		assert.True(t, ok)
		m, err := f.store.FindAllBySource(ctx, "S", id)
		require.NoError(t, err)
		assert.Len(t, m, 2)
	}
}

func TestOnGroupSettled_SkipsPartiallyDeliveredDestination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")
	require.NoError(t, f.store.RecordDelivery(ctx, store.RelayRecord{SourceChatID: "S", SourceMessageID: 11, DestinationChatID: "D1"}))

	out := f.engine.OnGroupSettled(ctx, albumParts())
	assert.Equal(t, []string{"D1"}, out.Skipped)
	assert.Equal(t, []string{"D2"}, out.Delivered)
	assert.Len(t, f.client.Calls(platformtest.OpMediaGroup), 1)
}

func TestOnGroupSettled_FallsBackForNonMediaParts(t *testing.T) {
	f := newFixture(t, ModeCopy, "D1")
	s := albumParts()
	s.Parts[1].Media = nil

	out := f.engine.OnGroupSettled(context.Background(), s)
	assert.Equal(t, []string{"D1"}, out.Delivered)
	assert.Empty(t, f.client.Calls(platformtest.OpMediaGroup))
	copies := f.client.Calls(platformtest.OpCopy)
	require.Len(t, copies, 3)
	assert.Equal(t, 10, copies[0].MessageID)
	assert.Equal(t, 12, copies[2].MessageID)
}

func TestOnGroupSettled_FallbackRecordsPartsSentBeforeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1")
	s := albumParts()
	s.Parts[1].Media = nil
	f.client.FailAfter(platformtest.OpCopy, "D1", 1, &platform.TransientSendError{Op: "copyMessage", Err: errors.New("boom")})

	out := f.engine.OnGroupSettled(ctx, s)
	require.Contains(t, out.Failed, "D1")
	assert.Empty(t, out.Delivered)

	delivered, err := f.store.IsDelivered(ctx, "S", 10, "D1")
	require.NoError(t, err)
	assert.True(t, delivered, "part copied before the failure is recorded")
	m, err := f.store.FindAllBySource(ctx, "S", 10)
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, f.client.Calls(platformtest.OpCopy)[0].Result[0], m[0].DestinationMessageID)

	delivered, err = f.store.IsDelivered(ctx, "S", 11, "D1")
	require.NoError(t, err)
	assert.False(t, delivered)

	f.client.Fail(platformtest.OpCopy, "D1", nil)
	out = f.engine.OnGroupSettled(ctx, s)
	assert.Equal(t, []string{"D1"}, out.Skipped, "a partly sent album is not sent again")
	assert.Len(t, f.client.Calls(platformtest.OpCopy), 2)
}

func TestOnGroupSettled_FallbackKeepsPerPartCaptions(t *testing.T) {
	f := newFixture(t, ModeCopy, "D1")
	s := albumParts()
	s.Parts[0].Media = nil

	out := f.engine.OnGroupSettled(context.Background(), s)
	assert.Equal(t, []string{"D1"}, out.Delivered)
	assert.Empty(t, f.client.Calls(platformtest.OpMediaGroup), "caption rewriting only applies to media groups")

	var ids []int
	for _, call := range f.client.Calls(platformtest.OpCopy) {
		assert.Equal(t, "S", call.FromChatID)
		assert.Empty(t, call.Text, "copies carry no caption override")
		ids = append(ids, call.MessageID)
	}
	assert.Equal(t, []int{10, 11, 12}, ids)
}

func TestOnSourceDeletion_CopyAlreadyGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")
	_, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)

	f.client.Fail(platformtest.OpDelete, "D1", &platform.NotFoundError{What: "message"})
	rep, err := f.engine.OnSourceDeletion(ctx, "S", 42)
	require.NoError(t, err)
	assert.Equal(t, DeletionReport{Attempted: 2, Deleted: 2}, rep)

	left, err := f.store.FindAllBySource(ctx, "S", 42)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeleteCopy_AlreadyGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1")
	_, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)
	copyID := f.client.Calls(platformtest.OpCopy)[0].Result[0]

	f.client.Fail(platformtest.OpDelete, "D1", &platform.NotFoundError{What: "message"})
	m, err := f.engine.DeleteCopy(ctx, "D1", copyID)
	require.NoError(t, err)
	assert.Equal(t, 42, m.SourceMessageID)

	_, err = f.store.FindByDestination(ctx, "D1", copyID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOnSourceDeletion_RemovesOnlySucceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2", "D3")
	_, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)

	f.client.Fail(platformtest.OpDelete, "D2", &platform.TransientSendError{Op: "deleteMessage", Err: errors.New("boom")})
	rep, err := f.engine.OnSourceDeletion(ctx, "S", 42)
	require.NoError(t, err)
	assert.Equal(t, DeletionReport{Attempted: 3, Deleted: 2, Failed: 1}, rep)
	assert.Len(t, f.client.Calls(platformtest.OpDelete), 3)

	left, err := f.store.FindAllBySource(ctx, "S", 42)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "D2", left[0].DestinationChatID)
}

func TestOnSourceDeletion_NoCopies(t *testing.T) {
	f := newFixture(t, ModeCopy, "D1")
	rep, err := f.engine.OnSourceDeletion(context.Background(), "S", 999)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
}

func TestDeleteCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeCopy, "D1", "D2")
	_, err := f.engine.OnSourcePost(ctx, post(42))
	require.NoError(t, err)
	copyID := f.client.Calls(platformtest.OpCopy)[0].Result[0]

	m, err := f.engine.DeleteCopy(ctx, "D1", copyID)
	require.NoError(t, err)
	assert.Equal(t, 42, m.SourceMessageID)

	left, _ := f.store.FindAllBySource(ctx, "S", 42)
	assert.Len(t, left, 1)

	_, err = f.engine.DeleteCopy(ctx, "D1", copyID)
	assert.True(t, platform.IsNotFound(err))
}

func TestAlbumItems_CaptionFromFirstCaptionedPart(t *testing.T) {
	items, ok := albumItems([]Part{
		{MessageID: 1, Media: &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "a"}},
		{MessageID: 2, Media: &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "b", Caption: "second"}, Caption: "second"},
		{MessageID: 3, Media: &platform.MediaItem{Kind: platform.MediaPhoto, FileID: "c", Caption: "third"}},
	})
	require.True(t, ok)
	assert.Equal(t, "second", items[0].Caption)
	assert.Empty(t, items[1].Caption)
	assert.Empty(t, items[2].Caption)
}
