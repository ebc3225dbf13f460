package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics глобальный контейнер метрик
type Metrics struct {
	// HTTP метрики
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Бизнес-метрики dispatch
	DispatchOperationsTotal *prometheus.CounterVec
	DispatchDuration        *prometheus.HistogramVec
	DispatchCandidatesFound *prometheus.HistogramVec
	MatchScore              *prometheus.HistogramVec

	// Circuit breaker
	BreakerStateChanges *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec

	// Resource admission
	ResourceInUse    *prometheus.GaugeVec
	ResourceRejected *prometheus.CounterVec

	// Threat meter
	ThreatScore      *prometheus.HistogramVec
	ThreatIncidents  *prometheus.CounterVec

	// Scheduler
	JobsRunTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Системные метрики
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Информация о сервисе
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics инициализирует метрики
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		DispatchOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_operations_total",
				Help:      "Total number of dispatch attempts",
			},
			[]string{"status"},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of a full dispatch operation",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		DispatchCandidatesFound: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_candidates_found",
				Help:      "Number of candidate drivers found within radius",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"vendor"},
		),

		MatchScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_match_score",
				Help:      "matchScore of the selected driver",
				Buckets:   []float64{0, 20, 40, 60, 70, 80, 90, 95, 100},
			},
			[]string{"vendor"},
		),

		BreakerStateChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state_changes_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"key", "to"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0=closed,1=half_open,2=open)",
			},
			[]string{"key"},
		),

		ResourceInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resource_in_use",
				Help:      "Current resource counter usage",
			},
			[]string{"resource"},
		),

		ResourceRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resource_rejected_total",
				Help:      "Total number of resource admission rejections",
			},
			[]string{"resource"},
		),

		ThreatScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "threat_score",
				Help:      "Computed threat scores",
				Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 75, 90, 95, 100},
			},
			[]string{"activity"},
		),

		ThreatIncidents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "threat_incidents_total",
				Help:      "Total number of recorded threat incidents",
			},
			[]string{"severity"},
		),

		JobsRunTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_jobs_total",
				Help:      "Total number of scheduler job runs",
			},
			[]string{"job_id", "status"},
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scheduler_job_duration_seconds",
				Help:      "Duration of scheduler job runs",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"job_id"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get возвращает глобальные метрики
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("dispatch", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest записывает метрики HTTP запроса
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDispatch записывает метрики операции dispatch
func (m *Metrics) RecordDispatch(vendor string, success bool, duration time.Duration, candidates int, score float64) {
	status := "success"
	if !success {
		status = "error"
	}

	m.DispatchOperationsTotal.WithLabelValues(status).Inc()
	m.DispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.DispatchCandidatesFound.WithLabelValues(vendor).Observe(float64(candidates))
	if success {
		m.MatchScore.WithLabelValues(vendor).Observe(score)
	}
}

// RecordBreakerStateChange записывает переход состояния circuit breaker
func (m *Metrics) RecordBreakerStateChange(key, to string, state float64) {
	m.BreakerStateChanges.WithLabelValues(key, to).Inc()
	m.BreakerState.WithLabelValues(key).Set(state)
}

// RecordResourceUsage записывает текущее использование ресурса
func (m *Metrics) RecordResourceUsage(resource string, current int) {
	m.ResourceInUse.WithLabelValues(resource).Set(float64(current))
}

// RecordResourceRejected увеличивает счётчик отказов в выделении ресурса
func (m *Metrics) RecordResourceRejected(resource string) {
	m.ResourceRejected.WithLabelValues(resource).Inc()
}

// RecordThreatScore записывает вычисленный threat score
func (m *Metrics) RecordThreatScore(activity string, score float64) {
	m.ThreatScore.WithLabelValues(activity).Observe(score)
}

// RecordThreatIncident увеличивает счётчик инцидентов
func (m *Metrics) RecordThreatIncident(severity string) {
	m.ThreatIncidents.WithLabelValues(severity).Inc()
}

// RecordJobRun записывает запуск фоновой задачи планировщика
func (m *Metrics) RecordJobRun(jobID, status string, duration time.Duration) {
	m.JobsRunTotal.WithLabelValues(jobID, status).Inc()
	m.JobDuration.WithLabelValues(jobID).Observe(duration.Seconds())
}

// SetServiceInfo устанавливает информацию о сервисе
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler возвращает HTTP handler для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer запускает HTTP сервер для метрик
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, ошибка записи не критична
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
