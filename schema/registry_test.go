package schema_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/schema"
)

func ordersSchema() *domain.Schema {
	return &domain.Schema{
		Required: []string{"restaurantId", "customerId", "items", "total"},
		Types: map[string]domain.Kind{
			"restaurantId": domain.KindString,
			"customerId":   domain.KindString,
			"items":        domain.KindArray,
			"total":        domain.KindNumber,
			"status":       domain.KindString,
			"orderDate":    domain.KindDate,
			"tableNumber":  domain.KindInt,
			"paid":         domain.KindBoolean,
			"address":      domain.KindObject,
		},
		Default: map[string]any{"status": "pending"},
	}
}

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register("orders", ordersSchema()))
	return r
}

func TestPrepare_AppliesDefaultsAndValidates(t *testing.T) {
	r := newRegistry(t)
	doc := domain.Document{
		"restaurantId": "r1",
		"customerId":   "c1",
		"items":        []any{map[string]any{"name": "pizza", "qty": 2.0}},
		"total":        36.70,
		"orderDate":    time.Now(),
		"extra":        "ad hoc fields are tolerated",
	}
	require.NoError(t, r.Prepare("orders", doc, -1))
	assert.Equal(t, "pending", doc["status"])
}

func TestPrepare_DefaultsDoNotOverride(t *testing.T) {
	r := newRegistry(t)
	doc := domain.Document{"restaurantId": "r1", "customerId": "c1", "items": []any{}, "total": 1, "status": "ready"}
	require.NoError(t, r.Prepare("orders", doc, -1))
	assert.Equal(t, "ready", doc["status"])
}

func TestPrepare_MissingRequired(t *testing.T) {
	r := newRegistry(t)
	err := r.Prepare("orders", domain.Document{"restaurantId": "r1", "items": []any{}}, -1)

	var verr *serrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"customerId", "total"}, verr.MissingFields)
	assert.Equal(t, "orders", verr.Collection)
}

func TestPrepare_NilCountsAsMissing(t *testing.T) {
	r := newRegistry(t)
	err := r.Prepare("orders", domain.Document{"restaurantId": "r1", "customerId": nil, "items": []any{}, "total": 2.0}, -1)
	var verr *serrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"customerId"}, verr.MissingFields)
}

func TestPrepare_TypeMismatchIsRejected(t *testing.T) {
	r := newRegistry(t)
	cases := []struct {
		field    string
		value    any
		expected string
		actual   string
	}{
		{"total", "36.70", "number", "string"},
		{"items", "pizza", "array", "string"},
		{"tableNumber", 4.5, "int", "number"},
		{"paid", "yes", "boolean", "string"},
		{"orderDate", "yesterday", "date", "string"},
		{"address", []any{}, "object", "array"},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			doc := domain.Document{"restaurantId": "r1", "customerId": "c1", "items": []any{}, "total": 1.0}
			doc[tc.field] = tc.value
			err := r.Prepare("orders", doc, 3)

			var terr *serrors.TypeError
			require.True(t, errors.As(err, &terr), "got %v", err)
			assert.Equal(t, tc.field, terr.Field)
			assert.Equal(t, tc.expected, terr.Expected)
			assert.Equal(t, tc.actual, terr.Actual)
			assert.Equal(t, 3, terr.Index)
			assert.Equal(t, tc.value, doc[tc.field], "values are never coerced")
		})
	}
}

func TestPrepare_IntAcceptsIntegralNumbers(t *testing.T) {
	r := newRegistry(t)
	doc := domain.Document{"restaurantId": "r1", "customerId": "c1", "items": []any{}, "total": 1, "tableNumber": 4.0}
	require.NoError(t, r.Prepare("orders", doc, -1))
	doc["tableNumber"] = 7
	require.NoError(t, r.Prepare("orders", doc, -1))
}

func TestPrepare_UndeclaredCollectionIsNoop(t *testing.T) {
	r := newRegistry(t)
	doc := domain.Document{"anything": 1}
	require.NoError(t, r.Prepare("notes", doc, -1))
	assert.Len(t, doc, 1)
}

func TestRegister_RejectsUnknownKind(t *testing.T) {
	r := schema.NewRegistry()
	err := r.Register("menu", &domain.Schema{Types: map[string]domain.Kind{"price": "money"}})
	var cerr *serrors.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "schemas.menu.types.price", cerr.Field)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schemas:
  reservations:
    required: [restaurantId, partySize]
    types:
      partySize: int
      date: date
    defaults:
      status: requested
`), 0o600))

	r := schema.NewRegistry()
	require.NoError(t, r.LoadFile(path))
	assert.Equal(t, []string{"reservations"}, r.Collections())
	assert.Equal(t, []string{"date"}, r.DateFields("reservations"))

	doc := domain.Document{"restaurantId": "r1", "partySize": 4}
	require.NoError(t, r.Prepare("reservations", doc, -1))
	assert.Equal(t, "requested", doc["status"])
}
