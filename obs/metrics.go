package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "story",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "story",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "story",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "story",
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Queue messages processed by result.",
		},
		[]string{"queue", "result"},
	)
	workerMessageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "story",
			Subsystem: "worker",
			Name:      "message_duration_seconds",
			Help:      "Queue message handling duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"queue"},
	)

	jobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "story",
			Subsystem: "job",
			Name:      "finalized_total",
			Help:      "Jobs that reached a terminal status.",
		},
		[]string{"job_type", "status"},
	)
	jobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "story",
			Subsystem: "job",
			Name:      "created_total",
			Help:      "Jobs accepted.",
		},
		[]string{"job_type"},
	)

	walletMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "story",
			Subsystem: "wallet",
			Name:      "mutations_total",
			Help:      "Wallet mutations by transaction type and result.",
		},
		[]string{"type", "result"},
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "story",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "AI provider call latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		workerMessagesTotal, workerMessageDuration,
		jobsFinalizedTotal, jobsCreatedTotal,
		walletMutationsTotal,
		providerCallDuration,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "storystudio"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency. The route label is the chi
// pattern when the request went through a chi router.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = normalizeRouteLabel(r.URL.Path)
		}
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordWorkerMessage(queue, result string, start time.Time) {
	workerMessagesTotal.WithLabelValues(queue, result).Inc()
	workerMessageDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}

func RecordJobCreated(jobType string) {
	jobsCreatedTotal.WithLabelValues(jobType).Inc()
}

func RecordJobFinalized(jobType, status string) {
	jobsFinalizedTotal.WithLabelValues(jobType, status).Inc()
}

func RecordWalletMutation(txType string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	walletMutationsTotal.WithLabelValues(txType, res).Inc()
}

func RecordProviderCall(kind string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	providerCallDuration.WithLabelValues(kind, res).Observe(time.Since(start).Seconds())
}

// normalizeRouteLabel replaces numeric path segments with :id to keep the
// label low-cardinality when no router pattern is available.
func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	for i, seg := range parts {
		if seg == "" {
			continue
		}
		if _, err := strconv.ParseInt(seg, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
