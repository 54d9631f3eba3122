package restodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/config"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

func TestOpen_MemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Backend:         config.BackendMemory,
		DataPath:        "data",
		ConflictRetries: 2,
		Schemas: map[string]*domain.Schema{
			"menu": {Required: []string{"name"}, Types: map[string]domain.Kind{"price": domain.KindNumber}},
		},
	}

	db, closeFn, err := restodb.Open(ctx, cfg)
	require.NoError(t, err)
	defer closeFn(ctx)
	require.NoError(t, db.Init(ctx))

	_, err = db.Collection("menu").Insert(ctx, domain.Document{"price": 4.5})
	var verr *serrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"name"}, verr.MissingFields)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, closeFn, err := restodb.Open(context.Background(), &config.Config{Backend: config.BackendGitHub, DataPath: "data"})
	require.NotNil(t, closeFn)
	assert.ErrorIs(t, err, serrors.ErrMissingConfig)
}
