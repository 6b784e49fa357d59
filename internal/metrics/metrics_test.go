package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New("test")

	c.SetState(1)
	c.FrameReceived()
	c.FrameReceived()
	c.FrameDispatched("F001")
	c.FrameDropped("malformed")
	c.RequestFinished("F001", "ok", 15*time.Millisecond)
	c.ConnectionLost()
	c.Reconnected()
	c.SetDegraded(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.state))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.framesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesDispatched.WithLabelValues("F001")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesDropped.WithLabelValues("malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.requests.WithLabelValues("F001", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.connectionLosses))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.degraded))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mt5_session_frames_received_total{session="test"} 2`))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetState(1)
		c.FrameReceived()
		c.FrameDispatched("F001")
		c.FrameDropped("late")
		c.RequestFinished("F001", "ok", time.Second)
		c.ConnectionLost()
		c.Reconnected()
		c.SetPending(3)
		c.SetSubscriptions(1)
		c.SetDegraded(true)
	})
	assert.Nil(t, c.Registry())
}
