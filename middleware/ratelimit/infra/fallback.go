package infra

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

const fallbackShards = 16

// FallbackStore é o cache local de modo degradado: baldes por instância,
// usados quando o store compartilhado não responde.
//
// A garantia aqui é mais fraca que a do Redis (cada instância limita sozinha),
// por isso toda decisão sai marcada com Degraded=true para o monitoramento.
// Os shards limitam a contenção do lock sob carga.
type FallbackStore struct {
	shards  [fallbackShards]*fallbackShard
	idleTTL time.Duration
	now     func() time.Time
}

type fallbackShard struct {
	mu      sync.Mutex
	entries map[string]*fallbackEntry
}

type fallbackEntry struct {
	rule domain.Rule
	lim  *rate.Limiter

	violations    int
	violWindowEnd time.Time
	penUntil      time.Time

	lastSeen time.Time
}

type FallbackOption func(*FallbackStore)

func WithFallbackIdleTTL(d time.Duration) FallbackOption {
	return func(s *FallbackStore) { s.idleTTL = d }
}

func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(s *FallbackStore) { s.now = now }
}

func NewFallbackStore(opts ...FallbackOption) *FallbackStore {
	s := &FallbackStore{
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &fallbackShard{entries: make(map[string]*fallbackEntry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FallbackStore) shardFor(key string) *fallbackShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%fallbackShards]
}

// Consume implementa domain.BucketStore com a mesma semântica do script Lua,
// só que por instância. Nunca retorna erro.
func (s *FallbackStore) Consume(_ context.Context, key domain.Key, rule domain.Rule, pen domain.Penalty, cost int) (domain.Decision, error) {
	now := s.now()
	k := key.String()
	shard := s.shardFor(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	ent, ok := shard.entries[k]
	if !ok || ent.rule != rule {
		// primeiro toque (ou regra mudou em reload): balde cheio
		ent = &fallbackEntry{
			rule: rule,
			lim:  rate.NewLimiter(rate.Limit(rule.RefillRate()), rule.Size()),
		}
		shard.entries[k] = ent
	}
	ent.lastSeen = now

	base := domain.Decision{
		Limit:    rule.Size(),
		Window:   rule.Window,
		Degraded: true,
	}

	if pen.Enabled() {
		if now.After(ent.violWindowEnd) {
			ent.violations = 0
		}
		if now.Before(ent.penUntil) {
			base.Allowed = false
			base.Reason = domain.ReasonPenalized
			base.RetryAfter = ent.penUntil.Sub(now)
			base.Violations = ent.violations
			base.PenaltyExpires = ent.penUntil
			base.ResetAt = resetAt(now, rule, ent.lim.TokensAt(now))
			return base, nil
		}
	}

	if cost < 0 {
		cost = 0
	}

	if cost == 0 {
		// sondagem: decide sem consumir
		tokens := ent.lim.TokensAt(now)
		base.Allowed = true
		base.Reason = domain.ReasonOK
		base.Remaining = int(tokens)
		base.ResetAt = resetAt(now, rule, tokens)
		return base, nil
	}

	if cost > rule.Size() {
		tokens := ent.lim.TokensAt(now)
		base.Allowed = false
		base.Reason = domain.ReasonCostExceedsCapacity
		base.Remaining = int(tokens)
		base.RetryAfter = rule.Window
		base.ResetAt = resetAt(now, rule, tokens)
		return base, nil
	}

	if rule.Size() == 0 || rule.RefillRate() == 0 {
		base.Allowed = false
		base.Reason = domain.ReasonRateLimited
		base.RetryAfter = rule.Window
		base.ResetAt = now.Add(rule.Window)
		return s.deny(ent, pen, now, base), nil
	}

	rsv := ent.lim.ReserveN(now, cost)
	if !rsv.OK() {
		base.Allowed = false
		base.Reason = domain.ReasonRateLimited
		base.RetryAfter = rule.Window
		base.ResetAt = now.Add(rule.Window)
		return s.deny(ent, pen, now, base), nil
	}

	if delay := rsv.DelayFrom(now); delay > 0 {
		// sem token agora: devolve a reserva para a negação não consumir nada
		rsv.CancelAt(now)
		tokens := ent.lim.TokensAt(now)
		base.Allowed = false
		base.Reason = domain.ReasonRateLimited
		base.RetryAfter = delay
		base.Remaining = int(tokens)
		base.ResetAt = resetAt(now, rule, tokens)
		return s.deny(ent, pen, now, base), nil
	}

	tokens := ent.lim.TokensAt(now)
	base.Allowed = true
	base.Reason = domain.ReasonOK
	base.Remaining = int(tokens)
	base.ResetAt = resetAt(now, rule, tokens)
	return base, nil
}

// deny registra a violação e escala se a janela estourou o threshold.
// Caller segura o lock do shard.
func (s *FallbackStore) deny(ent *fallbackEntry, pen domain.Penalty, now time.Time, dec domain.Decision) domain.Decision {
	if !pen.Enabled() {
		return dec
	}
	if ent.violations == 0 {
		ent.violWindowEnd = now.Add(pen.Window)
	}
	ent.violations++
	dec.Violations = ent.violations
	if ent.violations > pen.Threshold {
		ent.penUntil = now.Add(pen.Duration)
		dec.Reason = domain.ReasonPenalized
		dec.RetryAfter = pen.Duration
		dec.PenaltyExpires = ent.penUntil
	}
	return dec
}

// Clear descarta o bookkeeping local da chave.
func (s *FallbackStore) Clear(_ context.Context, key domain.Key) error {
	k := key.String()
	shard := s.shardFor(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.entries, k)
	return nil
}

// Healthy é sempre verdadeiro: o fallback vive no processo.
func (s *FallbackStore) Healthy() bool { return true }

// Cleanup remove entradas ociosas.
func (s *FallbackStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)
	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, ent := range shard.entries {
			if ent.lastSeen.Before(cutoff) {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *FallbackStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// Len retorna o total de chaves vivas (para testes e introspecção).
func (s *FallbackStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}
