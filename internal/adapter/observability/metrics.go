package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs admitted into the queue",
		},
		[]string{"provider"},
	)
	JobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_inflight",
			Help: "Number of jobs currently submitting or processing",
		},
	)
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	PollTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_ticks_total",
			Help: "Total number of poller ticks",
		},
	)
	PollBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poller_batch_duration_seconds",
			Help:    "Duration of one batched provider poll",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	BudgetDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_decisions_total",
			Help: "Admission decisions by verdict",
		},
		[]string{"verdict"},
	)
	SpendRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_recorded_usd_total",
			Help: "Total spend recorded in the cost ledger, USD",
		},
		[]string{"provider", "model"},
	)

	CampaignTopicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_topics_total",
			Help: "Campaign topics reaching a terminal state",
		},
		[]string{"status"},
	)
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_dropped_total",
			Help: "Events dropped at high-water mark",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsInflight)
	prometheus.MustRegister(JobsTerminalTotal)
	prometheus.MustRegister(PollTicksTotal)
	prometheus.MustRegister(PollBatchDuration)
	prometheus.MustRegister(BudgetDecisionsTotal)
	prometheus.MustRegister(SpendRecordedTotal)
	prometheus.MustRegister(CampaignTopicsTotal)
	prometheus.MustRegister(EventsDroppedTotal)
}

// HTTPMetricsMiddleware records request counts and latencies keyed by route
// pattern so labels stay low-cardinality.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
