package query_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/query"
)

func TestApplyParams(t *testing.T) {
	src := static(
		domain.Document{"id": "a", "status": "ready", "total": 12.0, "tags": []any{"vegan"}},
		domain.Document{"id": "b", "status": "served", "total": 40.0, "note": "window"},
		domain.Document{"id": "c", "status": "pending", "total": 25.0, "tags": []any{"spicy"}},
		domain.Document{"id": "d", "status": "ready", "total": 31.0},
	)

	cases := []struct {
		name   string
		params string
		want   []string
	}{
		{"equality", "status=ready", []string{"a", "d"}},
		{"range and sort", "total__gte=20&sort=total:desc", []string{"b", "d", "c"}},
		{"membership", "status__in=ready,served&sort=id", []string{"a", "b", "d"}},
		{"contains", "tags__contains=vegan", []string{"a"}},
		{"absent", "note__exists=false&limit=2", []string{"a", "c"}},
		{"quoted string", `status__ne="ready"&sort=id:desc`, []string{"c", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params, err := url.ParseQuery(tc.params)
			require.NoError(t, err)
			q := query.New(src)
			require.NoError(t, query.ApplyParams(q, params))
			docs, err := q.Exec(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(docs))
		})
	}
}

func TestApplyParams_Rejects(t *testing.T) {
	for _, raw := range []string{"total__between=1", "limit=-1", "limit=x", "note__exists=maybe", "sort=:desc", "__eq=1"} {
		params, err := url.ParseQuery(raw)
		require.NoError(t, err)
		assert.Error(t, query.ApplyParams(query.New(static()), params), raw)
	}
}

func TestParseFilters(t *testing.T) {
	preds, err := query.ParseFilters(url.Values{"status": {"ready"}, "total__lt": {"30"}})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	match := query.And(preds...)
	assert.True(t, match(domain.Document{"status": "ready", "total": 12.0}))
	assert.False(t, match(domain.Document{"status": "ready", "total": 31.0}))

	_, err = query.ParseFilters(url.Values{"limit": {"1"}})
	assert.Error(t, err)
}
