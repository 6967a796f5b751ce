package obs_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/obs"
)

func TestDomainRecorderCounts(t *testing.T) {
	obs.MustRegisterDomainMetrics("console", prometheus.NewRegistry())
	rec := obs.DomainRecorder{}

	beforeLoads := testutil.ToFloat64(obs.CatalogLoadsTotal.WithLabelValues("upstream"))
	rec.CatalogLoaded("upstream", 12)
	require.Equal(t, beforeLoads+1, testutil.ToFloat64(obs.CatalogLoadsTotal.WithLabelValues("upstream")))
	require.Equal(t, float64(12), testutil.ToFloat64(obs.CatalogEntries))

	beforeSubmits := testutil.ToFloat64(obs.SubmitsTotal.WithLabelValues("manual", "ok"))
	rec.Submitted("manual", "ok", 42)
	require.Equal(t, beforeSubmits+1, testutil.ToFloat64(obs.SubmitsTotal.WithLabelValues("manual", "ok")))

	beforeStale := testutil.ToFloat64(obs.StaleDiscardsTotal.WithLabelValues("catalog"))
	rec.StaleDiscarded("catalog")
	require.Equal(t, beforeStale+1, testutil.ToFloat64(obs.StaleDiscardsTotal.WithLabelValues("catalog")))

	rec.SessionsOpen(3)
	require.Equal(t, float64(3), testutil.ToFloat64(obs.OpenSessions))
}

func TestMustRegisterDomainMetricsIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		obs.MustRegisterDomainMetrics("console", reg)
		obs.MustRegisterDomainMetrics("console", reg)
	})
	require.NotNil(t, obs.RecalculationsTotal)
}
