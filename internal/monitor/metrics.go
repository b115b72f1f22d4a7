package monitor

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venue-gateway/internal/health"
	"venue-gateway/pkg/exchanges/common"
)

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats are in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// RecordDuration adds one sample.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, float64(d.Nanoseconds())/1e6)
	h.dirty = true
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// Metrics owns the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	CommandLatency *LatencyHistogram

	commands      *prometheus.CounterVec
	commandSecs   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	healthScore   prometheus.Gauge
	healthStatus  prometheus.Gauge
	componentScr  *prometheus.GaugeVec
	channelLive   *prometheus.GaugeVec
	limiterRate   prometheus.Gauge
	limiterTokens prometheus.Gauge
	limiterBack   prometheus.Gauge
	openOrders    prometheus.Gauge
	reconciles    *prometheus.CounterVec
	malformed     *prometheus.CounterVec
}

// NewMetrics registers every collector plus the Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:       prometheus.NewRegistry(),
		CommandLatency: NewLatencyHistogram(1000),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_total",
			Help: "Commands executed by kind, transport and outcome.",
		}, []string{"kind", "transport", "outcome"}),
		commandSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_command_latency_seconds",
			Help:    "Command latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker band changes by target band.",
		}, []string{"to"}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_health_score",
			Help: "Weighted health score in [0,1].",
		}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_breaker_status",
			Help: "Breaker band: 0 normal, 1 minor pause, 2 major cancel, 3 critical shutdown.",
		}),
		componentScr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_health_component_score",
			Help: "Latest score per health component.",
		}, []string{"component"}),
		channelLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_channel_live",
			Help: "1 when the push channel is live.",
		}, []string{"channel"}),
		limiterRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rate_limiter_rate",
			Help: "Current adaptive request rate per second.",
		}),
		limiterTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rate_limiter_tokens",
			Help: "Tokens currently available.",
		}),
		limiterBack: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rate_limiter_backoff_factor",
			Help: "Wait multiplier applied when tokens run short.",
		}),
		openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_orders",
			Help: "Open orders in the ledger.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_reconciliations_total",
			Help: "Reconciliation passes by outcome.",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_malformed_messages_total",
			Help: "Dropped undecodable pushes by channel.",
		}, []string{"channel"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.commandSecs, m.transitions, m.healthScore, m.healthStatus,
		m.componentScr, m.channelLive, m.limiterRate, m.limiterTokens, m.limiterBack,
		m.openOrders, m.reconciles, m.malformed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCommand records one finished command.
func (m *Metrics) ObserveCommand(kind, transport string, err error, latency time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if transport == "" {
		transport = "none"
	}
	m.commands.WithLabelValues(kind, transport, outcome).Inc()
	m.commandSecs.WithLabelValues(kind).Observe(latency.Seconds())
	m.CommandLatency.RecordDuration(latency)
}

func (m *Metrics) ObserveTransition(tr health.Transition) {
	m.transitions.WithLabelValues(tr.To.String()).Inc()
}

// ObserveHealth mirrors a health report into gauges.
func (m *Metrics) ObserveHealth(r health.Report) {
	m.healthScore.Set(r.OverallScore)
	m.healthStatus.Set(float64(r.Status))
	for _, c := range r.Components {
		m.componentScr.WithLabelValues(c.Name).Set(c.Score)
	}
}

func (m *Metrics) ObserveLimiter(s common.RateLimiterState) {
	m.limiterRate.Set(s.CurrentRate)
	m.limiterTokens.Set(s.Tokens)
	m.limiterBack.Set(s.BackoffFactor)
}

func (m *Metrics) SetChannelLive(channel string, live bool) {
	v := 0.0
	if live {
		v = 1
	}
	m.channelLive.WithLabelValues(channel).Set(v)
}

func (m *Metrics) SetOpenOrders(n int) { m.openOrders.Set(float64(n)) }

func (m *Metrics) ObserveReconciliation(err error) {
	if err != nil {
		m.reconciles.WithLabelValues("error").Inc()
		return
	}
	m.reconciles.WithLabelValues("ok").Inc()
}

func (m *Metrics) IncMalformed(channel string) { m.malformed.WithLabelValues(channel).Inc() }
