package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb/internal/metrics"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	// second registration only logs
	metrics.Register(reg)

	metrics.LoginsTotal.WithLabelValues("success").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "restodb_logins_total")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.LoginsTotal.WithLabelValues("success")), 1.0)
}
