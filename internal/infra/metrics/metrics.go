package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	ProviderLookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_lookup_total",
		Help: "Результаты обращений к провайдерам по статусу",
	}, []string{"provider", "status"})

	ProviderLookupSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_lookup_seconds",
		Help:    "Длительность поиска источника у провайдера",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	RateLimitWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratelimit_wait_seconds",
		Help:    "Ожидание токена лимитера",
		Buckets: []float64{0, .05, .1, .25, .5, 1, 2, 4, 8, 16},
	}, []string{"provider"})

	IngestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_outcomes_total",
		Help: "Исходы обработки постов каналов",
	}, []string{"outcome"})

	CaptionEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_edits_total",
		Help: "Правки подписей по статусу",
	}, []string{"status"})

	ResolveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "resolve_seconds",
		Help:    "Время поиска источника для одного изображения",
		Buckets: prometheus.DefBuckets,
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		ProviderLookupTotal,
		ProviderLookupSeconds,
		RateLimitWaitSeconds,
		IngestOutcomes,
		CaptionEdits,
		ResolveSeconds,
	)
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveProviderResult учитывает исход обращения к провайдеру.
func ObserveProviderResult(provider, status string, latency time.Duration) {
	ProviderLookupTotal.WithLabelValues(provider, status).Inc()
	if latency > 0 {
		ProviderLookupSeconds.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// ObserveRateLimitWait учитывает время ожидания токена.
func ObserveRateLimitWait(provider string, wait time.Duration) {
	RateLimitWaitSeconds.WithLabelValues(provider).Observe(wait.Seconds())
}

// IncIngestOutcome увеличивает счётчик исходов обработки постов.
func IncIngestOutcome(outcome string) {
	IngestOutcomes.WithLabelValues(outcome).Inc()
}

// IncCaptionEdit увеличивает счётчик правок подписей.
func IncCaptionEdit(status string) {
	CaptionEdits.WithLabelValues(status).Inc()
}
