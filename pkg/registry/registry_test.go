package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/platform/platformtest"
	"github.com/tinyland-inc/channelrelay/pkg/store"
	"github.com/tinyland-inc/channelrelay/pkg/store/memstore"
)

var fullAdmin = platform.Permissions{IsAdmin: true, CanInvite: true, CanDelete: true}

func newTestRegistry() (*Registry, *platformtest.Client, *memstore.Store) {
	client := platformtest.New()
	client.AddChat("A", "Channel A", fullAdmin)
	client.AddChat("B", "Channel B", fullAdmin)
	client.AddChat("D1", "Dest 1", fullAdmin)
	s := memstore.New()
	return New(s, client), client, s
}

func TestSetSource_DemotesPrevious(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	_, err := r.SetSource(ctx, "A")
	require.NoError(t, err)
	reg, err := r.SetSource(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "A", reg.Demoted)

	src, err := r.Source(ctx)
	require.NoError(t, err)
	require.Len(t, src, 1)
	assert.Equal(t, "B", src[0].ID)

	dests, err := r.Destinations(ctx)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "A", dests[0].ID)
}

func TestSetSource_SameChannelTwice(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	_, err := r.SetSource(ctx, "A")
	require.NoError(t, err)
	reg, err := r.SetSource(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, reg.Demoted)

	id, err := r.SourceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", id)
}

func TestSetSource_NotAdmin(t *testing.T) {
	ctx := context.Background()
	r, client, s := newTestRegistry()
	client.AddChat("X", "No rights", platform.Permissions{})

	_, err := r.SetSource(ctx, "X")
	var notAdmin *platform.NotAdminError
	require.True(t, errors.As(err, &notAdmin))
	assert.Equal(t, "X", notAdmin.ChatID)

	_, err = s.GetChannel(ctx, "X")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing persisted")
}

func TestAddDestination_MissingCapabilityWarns(t *testing.T) {
	ctx := context.Background()
	r, client, _ := newTestRegistry()
	client.AddChat("D2", "Dest 2", platform.Permissions{IsAdmin: true, CanDelete: true})

	reg, err := r.AddDestination(ctx, "D2")
	require.NoError(t, err)
	require.NotNil(t, reg.Warning)
	assert.Equal(t, "invite_users", reg.Warning.Capability)

	dests, _ := r.Destinations(ctx)
	assert.Len(t, dests, 1, "registration proceeds despite the warning")
}

func TestAddDestination_UnknownChat(t *testing.T) {
	r, _, _ := newTestRegistry()
	_, err := r.AddDestination(context.Background(), "missing")
	assert.True(t, platform.IsNotFound(err))
}

func TestAddDestination_KeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestRegistry()

	_, err := r.AddDestination(ctx, "D1")
	require.NoError(t, err)
	first, _ := s.GetChannel(ctx, "D1")

	_, err = r.AddDestination(ctx, "D1")
	require.NoError(t, err)
	second, _ := s.GetChannel(ctx, "D1")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRemoveAndListAll(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	_, err := r.SetSource(ctx, "A")
	require.NoError(t, err)
	_, err = r.AddDestination(ctx, "D1")
	require.NoError(t, err)

	l, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, l.Source)
	assert.Equal(t, "A", l.Source.ID)
	assert.Len(t, l.Destinations, 1)

	require.NoError(t, r.Remove(ctx, "D1"))
	assert.True(t, platform.IsNotFound(r.Remove(ctx, "D1")))

	l, err = r.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, l.Destinations)
}

func TestRemove_ByUsername(t *testing.T) {
	ctx := context.Background()
	r, client, _ := newTestRegistry()
	client.AddAlias("@dest", "D1")

	_, err := r.AddDestination(ctx, "@dest")
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "@dest"))
	dests, err := r.Destinations(ctx)
	require.NoError(t, err)
	assert.Empty(t, dests)

	assert.True(t, platform.IsNotFound(r.Remove(ctx, "@unknown")))
}
