package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "go.pilab.hu/restodb/errors"
)

const testConfig = `backend: memory
log_level: error
schemas:
  orders:
    required: [restaurantId, total]
    types:
      total: number
    defaults:
      status: pending
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeed(t *testing.T) {
	cfgPath := writeFile(t, "restodb.yaml", testConfig)

	t.Run("inserts each collection as one batch", func(t *testing.T) {
		seed := writeFile(t, "seed.yaml", `
menu:
  - name: Margherita
    price: 9.5
  - name: Marinara
    price: 8
orders:
  - restaurantId: r1
    total: 36.7
`)
		out, err := run(t, "--config", cfgPath, "-o", "json", "seed", seed)
		require.NoError(t, err)
		assert.JSONEq(t, `{"menu": 2, "orders": 1}`, out)
	})

	t.Run("invalid batch fails", func(t *testing.T) {
		seed := writeFile(t, "bad.yaml", `
orders:
  - restaurantId: r1
    total: 10
  - restaurantId: r2
`)
		_, err := run(t, "--config", cfgPath, "seed", seed)
		var verr *serrors.ValidationError
		require.True(t, errors.As(err, &verr), "got %v", err)
		assert.Equal(t, []string{"total"}, verr.MissingFields)
		assert.Equal(t, 1, verr.Index)
	})
}

func TestPing(t *testing.T) {
	cfgPath := writeFile(t, "restodb.yaml", testConfig)
	out, err := run(t, "--config", cfgPath, "-o", "yaml", "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "ready: true")
}

func TestDecodeDocuments(t *testing.T) {
	docs, err := decodeDocuments([]byte(` {"name": "Margherita"} `))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Margherita", docs[0]["name"])

	docs, err = decodeDocuments([]byte(`[{"a": 1}, {"a": 2}]`))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	for _, bad := range []string{`"text"`, `[1, 2]`, `[null]`, `null`} {
		_, err := decodeDocuments([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestWhereParams(t *testing.T) {
	params, err := whereParams([]string{"status=ready", "total__gte=20", "note=a=b"}, "total:desc", 5)
	require.NoError(t, err)
	assert.Equal(t, "ready", params.Get("status"))
	assert.Equal(t, "20", params.Get("total__gte"))
	assert.Equal(t, "a=b", params.Get("note"))
	assert.Equal(t, "total:desc", params.Get("sort"))
	assert.Equal(t, "5", params.Get("limit"))

	params, err = whereParams(nil, "", -1)
	require.NoError(t, err)
	assert.Empty(t, params)

	_, err = whereParams([]string{"status"}, "", -1)
	assert.Error(t, err)
}
