package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: решения допуска по результату и причине отказа
	AdmissionDecisions *prometheus.CounterVec

	// Latency: проверка допуска на hot path
	AdmissionDuration *prometheus.HistogramVec

	// Промоушены по исходу (executed, denied, conflict, frozen)
	PromotionTotal *prometheus.CounterVec

	// Hot-reload: агенты по финальному статусу ревалидации
	RevalidationTotal *prometheus.CounterVec

	// Длительность полного каскада ревалидации
	RevalidationDuration prometheus.Histogram

	// Latency RPC движка политик
	PolicyCallDuration *prometheus.HistogramVec

	// Saturation: заполненность буфера журнала (backpressure)
	HistoryBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный,
	// который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AdmissionDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gov_admission_decisions_total",
			Help: "Admission check outcomes by result and deny reason.",
		}, []string{"result", "reason"}),

		AdmissionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gov_admission_duration_seconds",
			Help:    "Histogram of admission check latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"result"}),

		PromotionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gov_promotions_total",
			Help: "Promotion attempts by outcome.",
		}, []string{"outcome"}),

		RevalidationTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gov_revalidations_total",
			Help: "Revalidated agents by resulting governance status.",
		}, []string{"status"}),

		RevalidationDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "gov_revalidation_cascade_duration_seconds",
			Help:    "Duration of a full hot-reload revalidation cascade.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		}),

		PolicyCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gov_policy_call_duration_seconds",
			Help:    "Histogram of policy engine RPC latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"hook"}),

		HistoryBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gov_history_buffer_utilization",
			Help: "Current number of events in the history buffer.",
		}),
	}
}
