package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopsync/internal/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestLookupByIDsFollowsRequestOrder(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, d.Insert(ctx, proto.Item{ID: id, Title: "title " + id}))
	}

	got, err := d.LookupByIDs(ctx, []string{"s3", "missing", "s1", "s3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s3", got[0].ID)
	assert.Equal(t, "s1", got[1].ID)
	assert.Equal(t, "title s1", got[1].Title)

	got, err = d.LookupByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLookupByIDsChunksLargeQueries(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	var ids []string
	for i := 0; i < maxLookupVars*2+7; i++ {
		id := fmt.Sprintf("item-%04d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			require.NoError(t, d.Insert(ctx, proto.Item{ID: id}))
		}
	}

	got, err := d.LookupByIDs(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, got, maxLookupVars+4)
}

func TestInsertReplaces(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	require.NoError(t, d.Insert(ctx, proto.Item{ID: "a", Title: "old"}))
	require.NoError(t, d.Insert(ctx, proto.Item{ID: "a", Title: "new", DurationMs: 1000}))
	got, err := d.LookupByIDs(ctx, []string{"a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Title)
	assert.Equal(t, int64(1000), got[0].DurationMs)

	n, err := d.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Error(t, d.Insert(ctx, proto.Item{}))
}

func TestIdentityLifecycle(t *testing.T) {
	d := openTestDB(t)
	ids := d.Identities()

	_, ok, err := ids.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	want := proto.Identity{SessionCode: "482913", IsHost: true, DisplayName: "Alice"}
	require.NoError(t, ids.Save(want))
	got, ok, err := ids.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, ids.Clear())
	_, ok, err = ids.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, ids.Clear())

	assert.Error(t, ids.Save(proto.Identity{SessionCode: "1"}))
}

func TestPartialIdentityIsAbsent(t *testing.T) {
	d := openTestDB(t)
	_, err := d.db.Exec(`INSERT INTO _identity (slot, session_code, display_name) VALUES (1, '482913', 'Bob')`)
	require.NoError(t, err)

	_, ok, err := d.Identities().Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerIDPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := Open(dir)
	require.NoError(t, err)
	first, err := d.PeerID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.NoError(t, d.Close())

	d, err = Open(dir)
	require.NoError(t, err)
	defer d.Close()
	second, err := d.PeerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
