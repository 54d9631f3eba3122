package mongodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/mongodb"
	"go.pilab.hu/restodb/mongodb/testutil"
)

func TestBlobStore(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "restodb_blobs")
	store := mongodb.NewBlobStore(db.Collection(mongodb.DefaultCollection))
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	_, err := store.Read(ctx, "data/orders.json")
	assert.True(t, serrors.IsNotFound(err))

	rev1, err := store.Write(ctx, "data/orders.json", []byte("[]"), "", "create")
	require.NoError(t, err)

	_, err = store.Write(ctx, "data/orders.json", []byte("[]"), "", "create twice")
	assert.True(t, serrors.IsConflict(err))

	rev2, err := store.Write(ctx, "data/orders.json", []byte(`[{"id":"o1"}]`), rev1, "update")
	require.NoError(t, err)

	_, err = store.Write(ctx, "data/orders.json", []byte(`[]`), rev1, "stale")
	assert.True(t, serrors.IsConflict(err))

	blob, err := store.Read(ctx, "data/orders.json")
	require.NoError(t, err)
	assert.Equal(t, rev2, blob.Revision)
	assert.JSONEq(t, `[{"id":"o1"}]`, string(blob.Content))

	_, err = store.Write(ctx, "data/menu.json", []byte("[]"), "", "")
	require.NoError(t, err)
	_, err = store.Write(ctx, "media/logo.png", []byte{1}, "", "")
	require.NoError(t, err)

	paths, err := store.List(ctx, "data/")
	require.NoError(t, err)
	assert.Equal(t, []string{"data/menu.json", "data/orders.json"}, paths)

	assert.True(t, serrors.IsConflict(store.Delete(ctx, "data/orders.json", rev1, "")))
	require.NoError(t, store.Delete(ctx, "data/orders.json", rev2, ""))
	assert.True(t, serrors.IsNotFound(store.Delete(ctx, "data/orders.json", "", "")))
}
