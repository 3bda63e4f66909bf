package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestIngestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IngestRecordsTotal.WithLabelValues("sam.gov", "inserted").Add(3)
	m.IngestRunsTotal.WithLabelValues("sam.gov", "completed").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.IngestRecordsTotal.WithLabelValues("sam.gov", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestRunsTotal.WithLabelValues("sam.gov", "completed")))
}
