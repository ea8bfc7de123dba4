package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. Construct it
// once in main; every recording helper tolerates a nil receiver so components
// can run without metrics in tests.
type Metrics struct {
	CommandsHandled *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	TasksStarted    prometheus.Counter
	ActiveTasks     prometheus.Gauge
	StatusReports   *prometheus.CounterVec
	RemindersSent   prometheus.Counter
	GatewayClients  prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewMetrics registers the instrument set under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		CommandsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Chat commands dispatched, by verb.",
		}, []string{"verb"}),
		Confirmations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation prompts resolved, by outcome.",
		}, []string{"outcome"}),
		TasksStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks submitted to the task runner.",
		}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks currently tracked by the registry.",
		}),
		StatusReports: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Monitor status reports that advanced a task, by status.",
		}, []string{"status"}),
		RemindersSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Periodic still-running reminders posted to chat.",
		}),
		GatewayClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_clients",
			Help:      "Connected chat gateway bridges.",
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by handler, method and code.",
		}, []string{"handler", "method", "code"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

func (m *Metrics) CommandHandled(verb string) {
	if m == nil {
		return
	}
	m.CommandsHandled.WithLabelValues(verb).Inc()
}

func (m *Metrics) ConfirmationResolved(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksStarted.Inc()
	m.ActiveTasks.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
}

func (m *Metrics) StatusReported(status string) {
	if m == nil {
		return
	}
	m.StatusReports.WithLabelValues(status).Inc()
}

func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.RemindersSent.Inc()
}

func (m *Metrics) GatewayConnected() {
	if m == nil {
		return
	}
	m.GatewayClients.Inc()
}

func (m *Metrics) GatewayDisconnected() {
	if m == nil {
		return
	}
	m.GatewayClients.Dec()
}

// Middleware instruments an HTTP handler chain with request count and
// duration, labelled by the logical handler name.
func (m *Metrics) Middleware(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.HTTPRequests.WithLabelValues(handler, r.Method, strconv.Itoa(recorder.status)).Inc()
			m.HTTPDuration.WithLabelValues(handler, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler exposes the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
