package application

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Policy define o comportamento quando store primário E fallback falham.
type Policy string

const (
	// PolicyFailOpen favorece disponibilidade: admite a requisição e emite um
	// evento de monitoramento bem visível. É o padrão documentado.
	PolicyFailOpen Policy = "fail_open"
	// PolicyFailClosed favorece proteção: responde 503 com Retry-After.
	PolicyFailClosed Policy = "fail_closed"
)

// CheckInput é uma requisição já traduzida para o domínio.
//
// Keys deve vir na ordem de avaliação desejada (ver domain.EvalOrder).
type CheckInput struct {
	Keys   []domain.Key
	Cost   int
	Bypass bool

	// Method/Path alimentam apenas estatísticas.
	Method string
	Path   string
}

// Result agrega a decisão da requisição inteira.
type Result struct {
	Decision domain.Decision

	// DeniedBy é a dimensão que negou ("" quando permitido).
	DeniedBy domain.LimitType

	// Unavailable indica store fora sob fail-closed (responder 503).
	Unavailable bool

	// Checked lista as dimensões efetivamente checadas.
	Checked []domain.LimitType
}

// Service concentra a regra de admissão por requisição.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas decide. A avaliação
// para na primeira negação ("o mais restritivo vence"); entre permissões, a
// decisão reportada é a de menor Remaining / menor ResetAt.
type Service struct {
	Store  domain.BucketStore
	Rules  domain.RuleSource
	Stats  domain.StatsStore
	Policy Policy
	Logger *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Check avalia todas as chaves na ordem recebida.
//
// O custo padrão é 1; custo zero é uma sondagem válida que não muta estado.
func (s *Service) Check(ctx context.Context, in CheckInput) Result {
	cost := in.Cost
	if cost < 0 {
		cost = 0
	}

	if in.Bypass {
		// bypass de ambiente de teste: nunca limita, mas continua contabilizado.
		res := Result{Decision: domain.Decision{Allowed: true, Reason: domain.ReasonBypassed}}
		s.record(ctx, in, firstKey(in.Keys), res.Decision)
		return res
	}

	if s.Store == nil || s.Rules == nil {
		return Result{Decision: domain.Decision{Allowed: true, Reason: domain.ReasonOK}}
	}

	var (
		most    domain.Decision
		mostKey domain.Key
		haveAny bool
		checked []domain.LimitType
	)

	for _, key := range in.Keys {
		rule, ok := s.Rules.Lookup(key.Type, key.Endpoint)
		if !ok {
			continue
		}
		pen := s.Rules.Penalty(key.Type)

		dec, err := s.Store.Consume(ctx, key, rule, pen, cost)
		if err != nil {
			// primário e fallback fora: aplica a política configurada.
			if s.Policy == PolicyFailClosed {
				s.logger().Error("admission store unavailable, failing closed",
					zap.String("key", key.String()), zap.Error(err))
				return Result{Unavailable: true, Checked: checked}
			}
			s.logger().Error("admission store unavailable, failing open",
				zap.String("key", key.String()), zap.Error(err))
			dec = domain.Decision{Allowed: true, Reason: domain.ReasonFailOpen}
			s.record(ctx, in, key, dec)
			return Result{Decision: dec, Checked: append(checked, key.Type)}
		}

		checked = append(checked, key.Type)

		if !dec.Allowed {
			s.record(ctx, in, key, dec)
			return Result{Decision: dec, DeniedBy: key.Type, Checked: checked}
		}

		if !haveAny || moreRestrictive(dec, most) {
			most = dec
			mostKey = key
			haveAny = true
		}
	}

	if !haveAny {
		// nenhuma dimensão configurada para esta requisição.
		return Result{Decision: domain.Decision{Allowed: true, Reason: domain.ReasonOK}}
	}

	s.record(ctx, in, mostKey, most)
	return Result{Decision: most, Checked: checked}
}

// moreRestrictive compara duas permissões: menor Remaining primeiro,
// desempate pelo reset mais próximo.
func moreRestrictive(a, b domain.Decision) bool {
	if a.Remaining != b.Remaining {
		return a.Remaining < b.Remaining
	}
	if a.ResetAt.IsZero() || b.ResetAt.IsZero() {
		return !a.ResetAt.IsZero()
	}
	return a.ResetAt.Before(b.ResetAt)
}

func (s *Service) record(ctx context.Context, in CheckInput, key domain.Key, dec domain.Decision) {
	if s.Stats == nil {
		return
	}
	// best-effort: erro de estatística nunca afeta a decisão.
	_ = s.Stats.Record(ctx, domain.StatsEvent{
		Key:      key,
		Allowed:  dec.Allowed,
		Reason:   dec.Reason,
		Degraded: dec.Degraded,
		Method:   in.Method,
		Path:     in.Path,
		At:       time.Now(),
	})
}

func firstKey(keys []domain.Key) domain.Key {
	if len(keys) > 0 {
		return keys[0]
	}
	return domain.Key{Type: domain.LimitGlobal}
}
