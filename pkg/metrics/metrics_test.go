package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/realtime/pkg/ws"
)

var _ ws.Metrics = (*Registry)(nil)

func TestCounters(t *testing.T) {
	r := New()

	r.IncrementConnections()
	r.IncrementConnections()
	r.DecrementConnections()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.connectionsTotal))

	r.IncrementRejections("rate_limited")
	r.IncrementRejections("rate_limited")
	r.IncrementRejections("too_many_connections")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rejections.WithLabelValues("rate_limited")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.rejections))

	r.AddEvicted(3)
	r.SetQueueDepth(7)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.evicted))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.queueDepth))

	r.RecordBroadcastLatency("topic", 2*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(r.latency))
}

func TestHandler(t *testing.T) {
	r := New()
	r.IncrementPruned()
	r.IncrementMessageCount("heartbeat")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "realtime_heartbeat_pruned_total 1"))
	assert.True(t, strings.Contains(body, `realtime_ws_inbound_messages_total{type="heartbeat"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
