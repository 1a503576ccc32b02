package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(refreshTotal.WithLabelValues("partial"))
	ObserveRefresh("partial")
	assert.Equal(t, before+1, testutil.ToFloat64(refreshTotal.WithLabelValues("partial")))

	SetEventsCached(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(eventsCached))

	ObserveSourceFailure("work")
	ObserveQuery("ok")
	ObserveAgentTurn("text")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "luma_events_cached 42")
	assert.Contains(t, string(body), `luma_source_fetch_failures_total{source="work"}`)
}
