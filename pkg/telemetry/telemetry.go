// Package telemetry exposes prometheus metrics for the persistence core:
// request timing plus counters for the message lifecycle, delta traffic
// and rate-limit rejections.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "weft",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	messagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "messages_created_total",
		Help:      "Messages created, by role and initial status.",
	}, []string{"role", "status"})

	messagesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "messages_finalized_total",
		Help:      "Pending messages finalized, by terminal status.",
	}, []string{"status"})

	deltasAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "stream_deltas_appended_total",
		Help:      "Delta fragments accepted by the streaming engine.",
	})

	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "stream_subscribers_dropped_total",
		Help:      "Subscribers disconnected for falling behind the producer.",
	})

	rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "ratelimit_rejections_total",
		Help:      "Admission rejections, by bucket family.",
	}, []string{"family"})

	sweptPending = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "swept_pending_total",
		Help:      "Orphaned pending messages failed by the sweeper.",
	})
)

// MessageCreated records a message creation.
func MessageCreated(role, status string) { messagesCreated.WithLabelValues(role, status).Inc() }

// MessageFinalized records a finalize to the given terminal status.
func MessageFinalized(status string) { messagesFinalized.WithLabelValues(status).Inc() }

// DeltaAppended records one accepted delta fragment.
func DeltaAppended() { deltasAppended.Inc() }

// SubscriberDropped records a slow subscriber disconnect.
func SubscriberDropped() { subscribersDropped.Inc() }

// RateLimitRejected records an admission rejection for the bucket family.
func RateLimitRejected(family string) { rateLimitRejections.WithLabelValues(family).Inc() }

// PendingSwept records n messages failed by the sweeper.
func PendingSwept(n int) { sweptPending.Add(float64(n)) }

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware observes request duration and status per route. The route
// label uses the mux route template so cardinality stays bounded.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		requestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(srw.status)).
			Observe(time.Since(start).Seconds())
	})
}
