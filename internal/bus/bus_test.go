package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/harness/internal/types"
)

func TestSubscribeReplaysJournalAfterCursor(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	scope := types.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}
	require.NoError(t, b.Publish(ctx, types.Event{Cursor: 1, Type: types.EventDirectoryUpserted, Scope: scope}))
	require.NoError(t, b.Publish(ctx, types.Event{Cursor: 2, Type: types.EventDirectoryUpserted, Scope: scope}))

	ch, replay := b.Subscribe("sub-1", types.ScopeFilter{TenantID: "t"}, 1, 16)
	require.Len(t, replay, 1)
	require.Equal(t, int64(2), replay[0].Cursor)

	require.NoError(t, b.Publish(ctx, types.Event{Cursor: 3, Type: types.EventDirectoryUpserted, Scope: scope}))
	select {
	case evt := <-ch:
		require.Equal(t, int64(3), evt.Cursor)
	case <-time.After(time.Second):
		t.Fatal("expected live event delivery")
	}
}

func TestSubscribeFiltersByScope(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	chA, _ := b.Subscribe("sub-a", types.ScopeFilter{TenantID: "tenant-a"}, 0, 16)
	chB, _ := b.Subscribe("sub-b", types.ScopeFilter{TenantID: "tenant-b"}, 0, 16)

	require.NoError(t, b.Publish(ctx, types.Event{Cursor: 1, Type: types.EventDirectoryUpserted, Scope: types.Scope{TenantID: "tenant-a"}}))

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected matching subscriber to receive event")
	}
	select {
	case <-chB:
		t.Fatal("non-matching subscriber should not receive event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe("sub-1", types.ScopeFilter{}, 0, 16)
	b.Unsubscribe("sub-1")
	_, ok := <-ch
	require.False(t, ok)
}
