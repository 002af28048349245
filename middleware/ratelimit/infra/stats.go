package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "admission",
			Name:      "checks_total",
			Help:      "Total admission checks by result and reason",
		},
		[]string{"result", "reason"},
	)

	admissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "admission",
			Name:      "denials_total",
			Help:      "Denied requests by limit dimension",
		},
		[]string{"limit_type"},
	)

	admissionDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "admission",
			Name:      "degraded_mode",
			Help:      "1 when decisions are coming from the local fallback store",
		},
	)
)

// Collector agrega os contadores de admissão expostos na superfície
// administrativa, além de alimentar as métricas Prometheus.
//
// É o único estado de processo além do fallback; os contadores canônicos de
// limite continuam no store externo.
type Collector struct {
	mu            sync.Mutex
	totalChecked  int64
	totalAllowed  int64
	totalDenied   int64
	bypassed      int64
	failOpen      int64
	denialsByType map[domain.LimitType]int64

	// degradedSeconds é consultado na leitura (fonte: FailoverStore).
	degradedSeconds func() float64
}

type CollectorOption func(*Collector)

// WithDegradedSource liga o contador degraded_mode_seconds à fonte real.
func WithDegradedSource(fn func() float64) CollectorOption {
	return func(c *Collector) { c.degradedSeconds = fn }
}

func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{denialsByType: make(map[domain.LimitType]int64)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record implementa domain.StatsStore. Um evento por requisição checada.
func (c *Collector) Record(_ context.Context, ev domain.StatsEvent) error {
	c.mu.Lock()
	c.totalChecked++
	switch {
	case ev.Reason == domain.ReasonBypassed:
		c.bypassed++
		c.totalAllowed++
	case ev.Reason == domain.ReasonFailOpen:
		c.failOpen++
		c.totalAllowed++
	case ev.Allowed:
		c.totalAllowed++
	default:
		c.totalDenied++
		c.denialsByType[ev.Key.Type]++
	}
	c.mu.Unlock()

	result := "denied"
	if ev.Allowed {
		result = "allowed"
	}
	admissionChecks.WithLabelValues(result, string(ev.Reason)).Inc()
	if !ev.Allowed {
		admissionDenials.WithLabelValues(string(ev.Key.Type)).Inc()
	}
	if ev.Degraded {
		admissionDegraded.Set(1)
	} else {
		admissionDegraded.Set(0)
	}
	return nil
}

// Snapshot retorna a visão agregada corrente.
func (c *Collector) Snapshot() domain.StatsSnapshot {
	c.mu.Lock()
	snap := domain.StatsSnapshot{
		TotalChecked:  c.totalChecked,
		TotalAllowed:  c.totalAllowed,
		TotalDenied:   c.totalDenied,
		Bypassed:      c.bypassed,
		FailOpen:      c.failOpen,
		DenialsByType: make(map[domain.LimitType]int64, len(c.denialsByType)),
	}
	for t, n := range c.denialsByType {
		snap.DenialsByType[t] = n
	}
	c.mu.Unlock()

	if c.degradedSeconds != nil {
		snap.DegradedSeconds = c.degradedSeconds()
	}
	return snap
}

// Tee replica eventos para vários stores (ex: Collector local + Redis).
// Erros individuais não interrompem os demais.
func Tee(stores ...domain.StatsStore) domain.StatsStore {
	return teeStats(stores)
}

type teeStats []domain.StatsStore

func (t teeStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var firstErr error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
