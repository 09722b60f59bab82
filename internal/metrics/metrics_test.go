package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Admission(Admitted)
	m.Admission(InProgress)
	m.Admission(InProgress)
	m.JobFinished("succeeded", 42*time.Second)
	m.SetActive(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues(Admitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues(InProgress)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))

	m.SetActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admission(Admitted)
		m.JobFinished("failed", time.Second)
		m.SetActive(true)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Admission(Admitted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `updater_admissions_total{result="admitted"} 1`))
}
