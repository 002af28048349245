package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// FailoverStore encadeia o store primário (compartilhado) e o fallback local.
//
// Fluxo: primário até falhar; na falha, serve do fallback e sonda o primário
// em backoff exponencial. Na recuperação, volta ao estado compartilhado sem
// tentar fundir os dois históricos (a descontinuidade é aceita: o balde
// compartilhado continua de onde estava, o local é descartado pelo janitor).
type FailoverStore struct {
	primary  domain.BucketStore
	fallback domain.BucketStore
	logger   *zap.Logger
	now      func() time.Time

	retryBase time.Duration
	retryMax  time.Duration

	mu            sync.Mutex
	degraded      bool
	degradedSince time.Time
	degradedTotal time.Duration
	nextProbe     time.Time
	backoff       time.Duration
}

type FailoverOption func(*FailoverStore)

func WithFailoverLogger(l *zap.Logger) FailoverOption {
	return func(s *FailoverStore) { s.logger = l }
}

// WithFailoverBackoff define a sondagem de reconexão (base e teto).
func WithFailoverBackoff(base, max time.Duration) FailoverOption {
	return func(s *FailoverStore) { s.retryBase, s.retryMax = base, max }
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(s *FailoverStore) { s.now = now }
}

func NewFailoverStore(primary, fallback domain.BucketStore, opts ...FailoverOption) *FailoverStore {
	s := &FailoverStore{
		primary:   primary,
		fallback:  fallback,
		logger:    zap.NewNop(),
		now:       time.Now,
		retryBase: 500 * time.Millisecond,
		retryMax:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume implementa domain.BucketStore.
func (s *FailoverStore) Consume(ctx context.Context, key domain.Key, rule domain.Rule, pen domain.Penalty, cost int) (domain.Decision, error) {
	if s.shouldTryPrimary() {
		dec, err := s.primary.Consume(ctx, key, rule, pen, cost)
		if err == nil {
			s.markRecovered()
			return dec, nil
		}
		s.markDegraded(err)
	}

	dec, err := s.fallback.Consume(ctx, key, rule, pen, cost)
	if err != nil {
		// primário e fallback fora: o chamador aplica fail-open/fail-closed.
		return domain.Decision{}, err
	}
	dec.Degraded = true
	return dec, nil
}

// Clear limpa nos dois stores; o primário manda no resultado.
func (s *FailoverStore) Clear(ctx context.Context, key domain.Key) error {
	_ = s.fallback.Clear(ctx, key)
	if err := s.primary.Clear(ctx, key); err != nil {
		s.markDegraded(err)
		return err
	}
	s.markRecovered()
	return nil
}

// Healthy reporta o caminho canônico (primário fora => degradado).
func (s *FailoverStore) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded
}

// Degraded indica se o modo degradado está ativo agora.
func (s *FailoverStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// DegradedSeconds acumula o tempo total em modo degradado, incluindo o
// trecho corrente. Alimenta degraded_mode_seconds no monitoramento.
func (s *FailoverStore) DegradedSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.degradedTotal
	if s.degraded {
		total += s.now().Sub(s.degradedSince)
	}
	return total.Seconds()
}

// shouldTryPrimary decide entre o caminho canônico e uma sondagem em backoff.
func (s *FailoverStore) shouldTryPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		return true
	}
	now := s.now()
	if now.Before(s.nextProbe) {
		return false
	}
	// agenda a próxima sondagem já; se esta falhar o backoff dobra no markDegraded
	s.nextProbe = now.Add(s.backoff)
	return true
}

func (s *FailoverStore) markDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.degraded {
		s.degraded = true
		s.degradedSince = now
		s.backoff = s.retryBase
		s.nextProbe = now.Add(s.backoff)
		s.logger.Warn("shared store unavailable, entering degraded mode", zap.Error(err))
		return
	}
	s.backoff *= 2
	if s.backoff > s.retryMax {
		s.backoff = s.retryMax
	}
	s.nextProbe = now.Add(s.backoff)
}

func (s *FailoverStore) markRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		return
	}
	now := s.now()
	s.degraded = false
	s.degradedTotal += now.Sub(s.degradedSince)
	s.logger.Info("shared store recovered, leaving degraded mode",
		zap.Duration("degraded_for", now.Sub(s.degradedSince)))
}
