package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/dispatch"
)

const namespace = "aigate"

// Dispatch outcomes as reported in aigate_dispatch_total.
const (
	OutcomeSuccess      = "success"
	OutcomeExhausted    = "exhausted"
	OutcomeCircuitsOpen = "circuits_open"
	OutcomeCanceled     = "canceled"
)

// PrometheusMonitor collects gateway metrics on its own registry. It is the
// observer for the breaker and the dispatcher.
type PrometheusMonitor struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	providerAttempts *prometheus.CounterVec
	circuitOpens     *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	userBlocks       prometheus.Counter
}

func NewPrometheusMonitor(logger *zap.SugaredLogger) (*PrometheusMonitor, error) {
	p := &PrometheusMonitor{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	p.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatches by outcome",
		},
		[]string{"outcome"},
	)

	p.dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch duration in seconds, including every failover",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	p.providerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total number of provider attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, failure, circuit_open
	)

	p.circuitOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Total number of closed to open circuit transitions",
		},
		[]string{"provider"},
	)

	p.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total number of response cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	p.userBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_blocks_total",
			Help:      "Total number of clients blocked after exhausting every provider",
		},
	)

	for _, collector := range []prometheus.Collector{
		p.dispatchTotal,
		p.dispatchDuration,
		p.providerAttempts,
		p.circuitOpens,
		p.cacheRequests,
		p.userBlocks,
	} {
		if err := p.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %v", err)
		}
	}

	return p, nil
}

// Handler serves the registry in the Prometheus exposition format.
// Handler serves the registry. Collection errors are logged and the metrics
// that could be gathered are still served.
func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(p.logger.Desugar()),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (p *PrometheusMonitor) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMonitor) CircuitOpened(provider aigate.ProviderIdentity) {
	p.circuitOpens.WithLabelValues(string(provider)).Inc()
}

func (p *PrometheusMonitor) ProviderAttempted(provider aigate.ProviderIdentity, outcome dispatch.Outcome) {
	p.providerAttempts.WithLabelValues(string(provider), string(outcome)).Inc()
}

func (p *PrometheusMonitor) DispatchFinished(err error, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(DispatchOutcome(err)).Inc()
	p.dispatchDuration.Observe(duration.Seconds())
}

func (p *PrometheusMonitor) ClientBlocked() {
	p.userBlocks.Inc()
}

func (p *PrometheusMonitor) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheRequests.WithLabelValues(result).Inc()
}

// DispatchOutcome labels a dispatch result.
func DispatchOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, dispatch.ErrAllCircuitsOpen):
		return OutcomeCircuitsOpen
	case errors.Is(err, dispatch.ErrAllProvidersExhausted):
		return OutcomeExhausted
	default:
		return OutcomeCanceled
	}
}
