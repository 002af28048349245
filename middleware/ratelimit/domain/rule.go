package domain

import (
	"fmt"
	"time"
)

// Rule descreve um limite token-bucket para uma dimensão.
//
// Capacity é a quantidade de requisições permitidas por Window; Burst é a folga
// adicional de rajada. O refil é contínuo: Capacity/Window tokens por segundo.
type Rule struct {
	Type     LimitType
	Capacity int
	Window   time.Duration
	Burst    int
}

// Size é o tamanho efetivo do balde (capacidade + rajada).
func (r Rule) Size() int { return r.Capacity + r.Burst }

// RefillRate retorna tokens por segundo. Zero quando a regra nega tudo.
func (r Rule) RefillRate() float64 {
	if r.Capacity <= 0 || r.Window <= 0 {
		return 0
	}
	return float64(r.Capacity) / r.Window.Seconds()
}

// Validate rejeita regras inválidas. Erros aqui são fatais no startup/reload,
// nunca por requisição.
func (r Rule) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown limit type %q", ErrInvalidRule, string(r.Type))
	}
	if r.Capacity < 0 {
		return fmt.Errorf("%w: capacity must be >= 0, got %d", ErrInvalidRule, r.Capacity)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidRule, r.Window)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%w: burst must be >= 0, got %d", ErrInvalidRule, r.Burst)
	}
	return nil
}

// RuleSource resolve a regra aplicável a uma dimensão/endpoint e a política
// de penalidade da dimensão. Implementações devem expor um snapshot imutável:
// nunca mutar uma regra enquanto uma requisição a lê.
type RuleSource interface {
	// Lookup retorna (regra, true) ou (zero, false) quando a dimensão não é limitada.
	Lookup(t LimitType, endpoint string) (Rule, bool)
	Penalty(t LimitType) Penalty
}

// Penalty descreve a política de escalonamento por violações repetidas.
//
// Quando o número de negações de uma chave dentro de Window passa de Threshold,
// a chave fica bloqueada por Duration independente de tokens disponíveis.
type Penalty struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// Enabled indica se a política está ativa.
func (p Penalty) Enabled() bool {
	return p.Threshold > 0 && p.Window > 0 && p.Duration > 0
}

func (p Penalty) Validate() error {
	if p.Threshold < 0 {
		return fmt.Errorf("%w: penalty threshold must be >= 0, got %d", ErrInvalidRule, p.Threshold)
	}
	if p.Threshold > 0 && (p.Window <= 0 || p.Duration <= 0) {
		return fmt.Errorf("%w: penalty window and duration must be > 0 when threshold is set", ErrInvalidRule)
	}
	return nil
}
