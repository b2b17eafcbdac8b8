package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	csv := m.Sink("csv")
	parquet := m.Sink("parquet")

	csv.Message()
	csv.Message()
	csv.DecodeError()
	csv.Dropped("DELETE")
	csv.Committed(3, 10, 512, 0.02)
	csv.Committed(3, 0, 0, 0.001)
	parquet.Message()
	parquet.SetState(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("parquet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("csv", "DELETE")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.records.WithLabelValues("csv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.units.WithLabelValues("csv")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits.WithLabelValues("csv")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.committedSeq.WithLabelValues("csv")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.state.WithLabelValues("parquet")))
}

func TestUnregisteredMetrics(t *testing.T) {
	m := New(nil)
	m.Sink("csv").Tombstone()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tombstones.WithLabelValues("csv")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).Sink("csv").Message()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `cdcsink_messages_total{sink="csv"} 1`))
}
