// Package metrics provides Prometheus instrumentation for the server.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the Prometheus collectors so tests can build isolated
// instances instead of sharing process-global state.
type Registry struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	eventsAppended   prometheus.Counter
	subscribersGauge prometheus.Gauge

	claimsTotal    *prometheus.CounterVec
	watchdogTotal  *prometheus.CounterVec
	requeuesTotals prometheus.Counter
}

// NewRegistry builds a Registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Registry{
		reg: reg,

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushpals_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pushpals_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		eventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "pushpals_events_appended_total",
			Help: "Total number of events appended to session logs.",
		}),

		subscribersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pushpals_event_subscribers",
			Help: "Number of currently attached event stream subscribers.",
		}),

		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushpals_queue_claims_total",
			Help: "Total number of successful queue claims.",
		}, []string{"queue"}),

		watchdogTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushpals_watchdog_actions_total",
			Help: "Total number of watchdog interventions.",
		}, []string{"reason"}),

		requeuesTotals: factory.NewCounter(prometheus.CounterOpts{
			Name: "pushpals_job_requeues_total",
			Help: "Total number of jobs requeued after a lost worker.",
		}),
	}
}

// Middleware records request count and latency per method and route.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := http.StatusOK
			if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = res.Status
			}
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			method := c.Request().Method
			path := c.Request().URL.Path
			r.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			r.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler returns the scrape endpoint handler.
func (r *Registry) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// EventAppended counts one durable append.
func (r *Registry) EventAppended() { r.eventsAppended.Inc() }

// SubscriberAttached and SubscriberDetached track live stream consumers.
func (r *Registry) SubscriberAttached() { r.subscribersGauge.Inc() }

func (r *Registry) SubscriberDetached() { r.subscribersGauge.Dec() }

// ClaimGranted counts a successful claim on the named queue.
func (r *Registry) ClaimGranted(queue string) {
	r.claimsTotal.WithLabelValues(queue).Inc()
}

// WatchdogAction counts one watchdog intervention by reason.
func (r *Registry) WatchdogAction(reason string) {
	r.watchdogTotal.WithLabelValues(reason).Inc()
}

// JobRequeued counts one bounded requeue of a lost worker's job.
func (r *Registry) JobRequeued() { r.requeuesTotals.Inc() }
