package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BusinessCounters(t *testing.T) {
	r := NewRegistry()

	r.EventAppended()
	r.EventAppended()
	assert.Equal(t, float64(2), testutil.ToFloat64(r.eventsAppended))

	r.SubscriberAttached()
	r.SubscriberAttached()
	r.SubscriberDetached()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.subscribersGauge))

	r.ClaimGranted("requests")
	r.ClaimGranted("jobs")
	r.ClaimGranted("jobs")
	assert.Equal(t, float64(1), testutil.ToFloat64(r.claimsTotal.WithLabelValues("requests")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.claimsTotal.WithLabelValues("jobs")))

	r.WatchdogAction("worker-lost")
	assert.Equal(t, float64(1), testutil.ToFloat64(r.watchdogTotal.WithLabelValues("worker-lost")))

	r.JobRequeued()
	assert.Equal(t, float64(1), testutil.ToFloat64(r.requeuesTotals))
}

func TestRegistry_IsolatedInstances(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.EventAppended()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.eventsAppended))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.eventsAppended))
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	r := NewRegistry()
	e := echo.New()

	run := func(handler echo.HandlerFunc, target string) {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		_ = r.Middleware()(handler)(c)
	}

	run(func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, "/system/status")
	run(func(c *echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "missing")
	}, "/jobs/nope")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		r.httpRequestsTotal.WithLabelValues("GET", "/system/status", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		r.httpRequestsTotal.WithLabelValues("GET", "/jobs/nope", "404")))
}

func TestHandler_ServesScrape(t *testing.T) {
	r := NewRegistry()
	r.EventAppended()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, r.Handler()(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "pushpals_events_appended_total 1")
	assert.Contains(t, body, "go_goroutines")
}
