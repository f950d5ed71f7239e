package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened("user")
	c.ConnectionOpened("user")
	c.ConnectionClosed("user")
	c.AuthAttempt("service", false)
	c.Delivery("sent")
	c.Delivery("sent")
	c.FanoutDegraded()
	c.SweepCompleted(3, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authAttempts.WithLabelValues("service", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.degraded))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweepRemoved))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.EventHandled("user", "ping")

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `pulse_events_total{channel="user",event="ping"} 1`)
}
