package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRegisteredIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}

func TestQueueMetrics(t *testing.T) {
	RecordQueueEnqueue("channel-9", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(getMetrics().queueSize.WithLabelValues("channel-9")))

	before := testutil.ToFloat64(getMetrics().dequeueTotal.WithLabelValues("channel-9", "error"))
	RecordQueueCompletion("channel-9", 10*time.Millisecond, false, 2)
	assert.Equal(t, before+1, testutil.ToFloat64(getMetrics().dequeueTotal.WithLabelValues("channel-9", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(getMetrics().queueSize.WithLabelValues("channel-9")))

	before = testutil.ToFloat64(getMetrics().discardedTotal.WithLabelValues("channel-9"))
	RecordCommandsDiscarded("channel-9", 0)
	RecordCommandsDiscarded("channel-9", 4)
	assert.Equal(t, before+4, testutil.ToFloat64(getMetrics().discardedTotal.WithLabelValues("channel-9")))
}

func TestParseErrorsByCode(t *testing.T) {
	before := testutil.ToFloat64(getMetrics().parseErrors.WithLabelValues("401"))
	RecordParseError(401)
	assert.Equal(t, before+1, testutil.ToFloat64(getMetrics().parseErrors.WithLabelValues("401")))
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	SetActiveSessions(5)
	SetScheduledCommands(2)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "amcp_active_sessions 5")
	assert.Contains(t, string(body), "amcp_scheduled_commands 2")
}
