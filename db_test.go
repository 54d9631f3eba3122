package restodb_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/memblob"
	"go.pilab.hu/restodb/query"
	"go.pilab.hu/restodb/schema"
)

func ordersRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register("orders", &domain.Schema{
		Required: []string{"restaurantId", "customerId", "items", "total"},
		Types: map[string]domain.Kind{
			"restaurantId": domain.KindString,
			"customerId":   domain.KindString,
			"items":        domain.KindArray,
			"total":        domain.KindNumber,
			"orderDate":    domain.KindDate,
		},
		Default: map[string]any{"status": "pending"},
	}))
	return r
}

func intPtr(n int) *int { return &n }

func openDB(t *testing.T, store domain.BlobStore, opts ...func(*restodb.Options)) *restodb.DB {
	t.Helper()
	o := restodb.Options{Store: store, Schemas: ordersRegistry(t), CacheTTL: time.Hour}
	for _, fn := range opts {
		fn(&o)
	}
	db, err := restodb.New(o)
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))
	return db
}

func sampleOrder() domain.Document {
	return domain.Document{
		"restaurantId": "r1",
		"customerId":   "c1",
		"items":        []any{map[string]any{"sku": "pizza", "qty": 2}},
		"total":        36.70,
	}
}

func TestDB_RequiresInit(t *testing.T) {
	store := memblob.New()
	db, err := restodb.New(restodb.Options{Store: store})
	require.NoError(t, err)

	_, err = db.Collection("orders").Insert(context.Background(), sampleOrder())
	assert.ErrorIs(t, err, serrors.ErrNotInitialized)
	_, err = db.Collection("orders").Query().Exec(context.Background())
	assert.ErrorIs(t, err, serrors.ErrNotInitialized)

	store.FailNext(errors.New("dial tcp: connection refused"))
	err = db.Init(context.Background())
	var cfgErr *serrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, serrors.ErrBackendUnreachable)
	assert.False(t, db.Ready())

	require.NoError(t, db.Init(context.Background()))
	assert.True(t, db.Ready())
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := restodb.New(restodb.Options{})
	assert.ErrorIs(t, err, serrors.ErrMissingConfig)
}

func TestCollection_InsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, memblob.New())
	orders := db.Collection("orders")

	stored, err := orders.Insert(ctx, sampleOrder())
	require.NoError(t, err)
	assert.Equal(t, "pending", stored["status"])
	assert.NotEmpty(t, stored.DocumentID())
	created, ok := stored.Time("createdAt")
	require.True(t, ok)
	assert.False(t, created.IsZero())

	all, err := orders.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, stored.DocumentID(), all[0].DocumentID())
	assert.Equal(t, 36.70, all[0]["total"])
	assert.Equal(t, "pending", all[0]["status"])

	got, err := orders.Get(ctx, stored.DocumentID())
	require.NoError(t, err)
	assert.Equal(t, "c1", got["customerId"])
}

func TestCollection_InsertValidation(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	db := openDB(t, store)
	orders := db.Collection("orders")

	for _, field := range []string{"restaurantId", "customerId", "items", "total"} {
		t.Run("missing "+field, func(t *testing.T) {
			doc := sampleOrder()
			delete(doc, field)
			_, err := orders.Insert(ctx, doc)
			var verr *serrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, []string{field}, verr.MissingFields)
		})
	}

	t.Run("type mismatch is rejected", func(t *testing.T) {
		doc := sampleOrder()
		doc["total"] = "36.70"
		_, err := orders.Insert(ctx, doc)
		var terr *serrors.TypeError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "total", terr.Field)
	})

	assert.Zero(t, store.Writes(), "failed validation never writes")

	t.Run("undeclared collection accepts anything", func(t *testing.T) {
		_, err := db.Collection("notes").Insert(ctx, domain.Document{"anything": 1})
		assert.NoError(t, err)
	})
}

func TestCollection_InsertIgnoresCallerTimestamps(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, memblob.New())
	doc := sampleOrder()
	doc["createdAt"] = "1999-01-01T00:00:00Z"
	doc["updatedAt"] = "1999-01-01T00:00:00Z"

	stored, err := db.Collection("orders").Insert(ctx, doc)
	require.NoError(t, err)
	created, _ := stored.Time("createdAt")
	assert.True(t, created.After(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCollection_InsertManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	db := openDB(t, store)
	orders := db.Collection("orders")

	bad := sampleOrder()
	delete(bad, "customerId")
	_, err := orders.InsertMany(ctx, []domain.Document{sampleOrder(), bad, sampleOrder()})
	var verr *serrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Index)
	assert.Zero(t, store.Writes())

	n, err := orders.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	batch := make([]domain.Document, 25)
	for i := range batch {
		batch[i] = sampleOrder()
	}
	stored, err := orders.InsertMany(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, stored, 25)
	assert.Equal(t, 1, store.Writes(), "one remote write per batch")

	_, err = orders.InsertMany(ctx, []domain.Document{
		{"id": "dup", "restaurantId": "r1", "customerId": "c", "items": []any{}, "total": 1},
		{"id": "dup", "restaurantId": "r1", "customerId": "c", "items": []any{}, "total": 1},
	})
	assert.ErrorIs(t, err, serrors.ErrDuplicateID)
}

func TestCollection_InsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, memblob.New())
	notes := db.Collection("notes")

	_, err := notes.Insert(ctx, domain.Document{"id": "n1"})
	require.NoError(t, err)
	_, err = notes.Insert(ctx, domain.Document{"id": "n1"})
	assert.ErrorIs(t, err, serrors.ErrDuplicateID)
}

func TestCollection_StaleWriterRereadsInsteadOfClobbering(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	first := openDB(t, store)
	second := openDB(t, store)

	// second caches the empty collection before first writes
	require.NoError(t, second.Prefetch(ctx, "orders"))

	a, err := first.Collection("orders").Insert(ctx, sampleOrder())
	require.NoError(t, err)

	b, err := second.Collection("orders").Insert(ctx, sampleOrder())
	require.NoError(t, err)

	all, err := second.Collection("orders").All(ctx)
	require.NoError(t, err)
	got := []string{all[0].DocumentID(), all[1].DocumentID()}
	assert.Equal(t, []string{a.DocumentID(), b.DocumentID()}, got)
}

func TestCollection_ConflictSurfacesWithoutRetries(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	first := openDB(t, store)
	second := openDB(t, store, func(o *restodb.Options) { o.ConflictRetries = intPtr(0) })

	require.NoError(t, second.Prefetch(ctx, "orders"))
	_, err := first.Collection("orders").Insert(ctx, sampleOrder())
	require.NoError(t, err)

	_, err = second.Collection("orders").Insert(ctx, sampleOrder())
	var conflict *serrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Attempts)

	// the conflict invalidated the stale snapshot, so the retry succeeds
	_, err = second.Collection("orders").Insert(ctx, sampleOrder())
	require.NoError(t, err)
	n, err := first.Collection("orders").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "first still serves its own cached snapshot")
	first.Invalidate("orders")
	n, err = first.Collection("orders").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// alwaysStale reports every write as conflicting.
type alwaysStale struct {
	*memblob.Store
	writes int
}

func (s *alwaysStale) Write(_ context.Context, path string, _ []byte, rev, _ string) (string, error) {
	s.writes++
	return "", &serrors.ConflictError{Path: path, Expected: rev}
}

func TestCollection_ConflictRetriesAreBounded(t *testing.T) {
	store := &alwaysStale{Store: memblob.New()}
	db := openDB(t, store)

	_, err := db.Collection("orders").Insert(context.Background(), sampleOrder())
	var conflict *serrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, restodb.DefaultConflictRetries+1, conflict.Attempts)
	assert.Equal(t, restodb.DefaultConflictRetries+1, store.writes)
}

func TestCollection_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	db := openDB(t, store)
	orders := db.Collection("orders")

	stored, err := orders.Insert(ctx, sampleOrder())
	require.NoError(t, err)
	reads := store.Reads()

	updated, err := orders.Update(ctx, stored.DocumentID(), domain.Document{"status": "ready"})
	require.NoError(t, err)
	assert.Equal(t, "ready", updated["status"])

	got, err := orders.Get(ctx, stored.DocumentID())
	require.NoError(t, err)
	assert.Equal(t, "ready", got["status"])
	assert.Equal(t, reads, store.Reads(), "served from the written snapshot")

	before, _ := stored.Time("updatedAt")
	after, _ := got.Time("updatedAt")
	assert.False(t, after.Before(before))
	assert.Equal(t, stored["createdAt"], got["createdAt"])
}

func TestCollection_UpdateReplaceDelete(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, memblob.New())
	orders := db.Collection("orders")

	_, err := orders.Update(ctx, "missing", domain.Document{"status": "x"})
	assert.True(t, serrors.IsNotFound(err))
	assert.True(t, serrors.IsNotFound(orders.Delete(ctx, "missing")))

	stored, err := orders.Insert(ctx, sampleOrder())
	require.NoError(t, err)
	id := stored.DocumentID()

	_, err = orders.Update(ctx, id, domain.Document{"total": "free"})
	var terr *serrors.TypeError
	require.ErrorAs(t, err, &terr, "updates are validated too")

	_, err = orders.Update(ctx, id, domain.Document{"customerId": nil})
	var verr *serrors.ValidationError
	require.ErrorAs(t, err, &verr, "removing a required field is rejected")

	replaced, err := orders.Replace(ctx, id, domain.Document{"restaurantId": "r2", "customerId": "c9", "items": []any{}, "total": 1})
	require.NoError(t, err)
	assert.Equal(t, id, replaced.DocumentID())
	assert.Equal(t, "r2", replaced["restaurantId"])
	assert.Equal(t, "pending", replaced["status"], "defaults fill the replaced body")
	assert.Equal(t, stored["createdAt"], replaced["createdAt"])

	require.NoError(t, orders.Delete(ctx, id))
	_, err = orders.Get(ctx, id)
	assert.True(t, serrors.IsNotFound(err))
}

func TestCollection_DeleteWhere(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	db := openDB(t, store)
	notes := db.Collection("notes")
	_, err := notes.InsertMany(ctx, []domain.Document{{"k": "a"}, {"k": "b"}, {"k": "a"}})
	require.NoError(t, err)
	writes := store.Writes()

	n, err := notes.DeleteWhere(ctx, query.Eq("k", "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = notes.DeleteWhere(ctx, query.Eq("k", "zzz"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, writes+1, store.Writes(), "no-op deletes do not write")
}

func TestCollection_LegacyIdentifier(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	store.Put("data/customers.json", []byte(`[{"_id":"legacy-1","name":"Anna"},{"id":"new-1","_id":"old-1","name":"Bela"}]`))
	db := openDB(t, store)
	customers := db.Collection("customers")

	got, err := customers.Get(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", got["name"])

	byNew, err := customers.Get(ctx, "new-1")
	require.NoError(t, err)
	byOld, err := customers.Get(ctx, "old-1")
	require.NoError(t, err)
	assert.Equal(t, byNew, byOld, "both aliases resolve to one document")

	updated, err := customers.Update(ctx, "legacy-1", domain.Document{"name": "Anna K", "_id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", updated["_id"])

	inserted, err := customers.Insert(ctx, domain.Document{"_id": "legacy-2"})
	require.NoError(t, err)
	assert.Equal(t, "legacy-2", inserted["id"])
	assert.Equal(t, "legacy-2", inserted["_id"])
}

func TestCollection_CorruptFile(t *testing.T) {
	store := memblob.New()
	store.Put("data/orders.json", []byte("{broken"))
	db := openDB(t, store)

	_, err := db.Collection("orders").All(context.Background())
	var corrupt *serrors.CorruptDataError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "data/orders.json", corrupt.Path)
}

func TestCollection_InvalidName(t *testing.T) {
	db := openDB(t, memblob.New())
	_, err := db.Collection("../etc").All(context.Background())
	var cfgErr *serrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCollection_RecentOrdersQuery(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, memblob.New())
	orders := db.Collection("orders")

	base := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	batch := make([]domain.Document, 0, 9)
	for i := 0; i < 8; i++ {
		doc := sampleOrder()
		doc["id"] = fmt.Sprintf("o%d", i)
		doc["orderDate"] = base.Add(time.Duration(i) * time.Hour)
		batch = append(batch, doc)
	}
	other := sampleOrder()
	other["restaurantId"] = "r2"
	other["orderDate"] = base.Add(48 * time.Hour)
	batch = append(batch, other)
	_, err := orders.InsertMany(ctx, batch)
	require.NoError(t, err)

	got, err := orders.Query().
		Where(query.Eq("restaurantId", "r1")).
		Sort("orderDate", query.Desc).
		Limit(5).
		Exec(ctx)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, want := range []string{"o7", "o6", "o5", "o4", "o3"} {
		assert.Equal(t, want, got[i].DocumentID())
	}
	_, isTime := got[0]["orderDate"].(time.Time)
	assert.True(t, isTime, "declared date fields decode as time.Time")
}

func TestDB_CollectionsAndDrop(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	store.Put("media/logo.png", []byte{0x89})
	db := openDB(t, store)

	_, err := db.Collection("orders").Insert(ctx, sampleOrder())
	require.NoError(t, err)
	_, err = db.Collection("menu").Insert(ctx, domain.Document{"name": "Soup"})
	require.NoError(t, err)

	names, err := db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"menu", "orders"}, names)

	require.NoError(t, db.Collection("menu").Drop(ctx))
	names, err = db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	err = db.Collection("menu").Drop(ctx)
	assert.True(t, serrors.IsNotFound(err))
}

func TestDB_Prefetch(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	store.Put("data/menu.json", []byte(`[{"id":"m1"}]`))
	store.Put("data/tables.json", []byte(`[{"id":"t1"}]`))
	db := openDB(t, store)

	require.NoError(t, db.Prefetch(ctx, "menu", "tables", "orders"))
	reads := store.Reads()
	_, err := db.Collection("menu").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, reads, store.Reads())
}

func TestCollection_SortsUndeclaredDatesChronologically(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	db := openDB(t, store, func(o *restodb.Options) {
		r := schema.NewRegistry()
		require.NoError(t, r.Register("orders", &domain.Schema{
			Required: []string{"restaurantId", "total"},
			Types: map[string]domain.Kind{
				"restaurantId": domain.KindString,
				"total":        domain.KindNumber,
			},
		}))
		o.Schemas = r
	})
	orders := db.Collection("orders")

	base := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	_, err := orders.InsertMany(ctx, []domain.Document{
		{"id": "early", "restaurantId": "r1", "total": 10.0, "orderDate": base},
		{"id": "late", "restaurantId": "r1", "total": 12.0, "orderDate": base.Add(500 * time.Millisecond)},
	})
	require.NoError(t, err)

	// re-read from the store, where the undeclared field is a plain string
	db.Invalidate("orders")
	got, err := orders.Query().Where(query.Eq("restaurantId", "r1")).Sort("orderDate", query.Desc).Exec(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.IsType(t, "", got[0]["orderDate"])
	assert.Equal(t, "late", got[0].DocumentID())
	assert.Equal(t, "early", got[1].DocumentID())
}

// committedThenStale stores the first write but reports it as a conflict,
// as a retried PUT does after the original request timed out.
type committedThenStale struct {
	*memblob.Store
	tripped bool
}

func (s *committedThenStale) Write(ctx context.Context, path string, data []byte, rev, message string) (string, error) {
	newRev, err := s.Store.Write(ctx, path, data, rev, message)
	if err != nil || s.tripped {
		return newRev, err
	}
	s.tripped = true
	return "", &serrors.ConflictError{Path: path, Expected: rev}
}

func TestCollection_InsertCommittedByEarlierAttempt(t *testing.T) {
	ctx := context.Background()
	store := &committedThenStale{Store: memblob.New()}
	db := openDB(t, store)
	orders := db.Collection("orders")

	batch, err := orders.InsertMany(ctx, []domain.Document{sampleOrder(), sampleOrder()})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.True(t, store.tripped)

	all, err := orders.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "the batch is stored once")
	assert.Equal(t, batch[0].DocumentID(), all[0].DocumentID())
	assert.Equal(t, "pending", batch[1]["status"])

	// a real duplicate is still rejected
	dup := sampleOrder()
	dup["id"] = batch[0].DocumentID()
	_, err = orders.Insert(ctx, dup)
	assert.ErrorIs(t, err, serrors.ErrDuplicateID)
}
