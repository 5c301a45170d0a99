package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnet/internal/money"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var pm *PrometheusMetrics
	assert.NotPanics(t, func() {
		pm.RecordPosting("deposit", "PENDING", 100)
		pm.RecordCommission("team", 3)
		pm.RecordJob("accrual", "ok", time.Second, 1, 0)
		pm.RecordTransition("withdrawal", "COMPLETED")
		pm.CollectSystemMetrics()
	})
}

func TestCountersAndSummary(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordPosting("team_income", "COMPLETED", money.FromUnits(5))
	pm.RecordPosting("team_income", "COMPLETED", money.FromUnits(2))
	pm.RecordCommission("team", 2)
	pm.RecordJob("accrual", "ok", 2*time.Second, 10, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.postings.WithLabelValues("team_income", "COMPLETED")))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.postedAmount.WithLabelValues("team_income")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.jobItems.WithLabelValues("accrual", "failed")))

	summary, err := pm.GetMetricsSummary()
	require.NoError(t, err)
	assert.Equal(t, 2.0, summary["ledger_postings"])
	assert.Equal(t, 2.0, summary["commission_postings"])

	out, err := pm.ExportMetrics()
	require.NoError(t, err)
	assert.Contains(t, out, "ledger_postings")
}

func TestHandlerServesRegistry(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordRequest("GET", "/v1/balance", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vestnet_requests_total"))
}
