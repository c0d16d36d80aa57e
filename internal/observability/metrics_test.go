package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	logs "github.com/danmuck/tcphub/internal/logging"
	"github.com/danmuck/tcphub/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHubState("echo", "connected", 2)
	RecordRequest("echo", "csp=\"echo\"", "ok", 12*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `tcphub_hub_state{hub="echo"} 2`), body)
	require.Contains(t, body, "tcphub_request_duration_seconds")
	logs.Debugf("observability/metrics: registration idempotent and recording paths executed")
}

func TestHubSinkExportsCounters(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	sink, err := NewHubSink(reg)
	require.NoError(t, err)

	sink.IncrCounter([]string{"tcphub", "connect", "count"}, 1)
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "tcphub_connect_count")
}
