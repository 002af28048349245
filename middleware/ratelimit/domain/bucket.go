package domain

import "time"

// BucketState é o estado persistido de um balde.
//
// Invariante: 0 <= Tokens <= Rule.Size(). O refil é função pura do tempo
// decorrido, então checagens fora de ordem entre instâncias são toleradas.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// NewBucketState cria um balde cheio (primeiro toque de uma chave).
func NewBucketState(r Rule, now time.Time) BucketState {
	return BucketState{Tokens: float64(r.Size()), LastRefill: now}
}

// Refill aplica o refil decorrido e retorna o novo estado, sem consumir nada.
func (s BucketState) Refill(r Rule, now time.Time) BucketState {
	elapsed := now.Sub(s.LastRefill).Seconds()
	if elapsed <= 0 {
		return s
	}
	tokens := s.Tokens + elapsed*r.RefillRate()
	if max := float64(r.Size()); tokens > max {
		tokens = max
	}
	return BucketState{Tokens: tokens, LastRefill: now}
}

// Reason classifica o resultado de uma decisão de admissão.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonPenalized           Reason = "penalized"
	ReasonCostExceedsCapacity Reason = "cost_exceeds_capacity"
	ReasonBypassed            Reason = "bypassed"
	// ReasonFailOpen marca requisições admitidas porque o store primário e o
	// fallback falharam sob política fail-open.
	ReasonFailOpen Reason = "fail_open"
)

// Decision é o resultado de uma checagem para uma chave.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Limit/Remaining/ResetAt/Window alimentam os headers X-RateLimit-*.
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration

	// RetryAfter só é preenchido em negações.
	RetryAfter time.Duration

	// Degraded indica decisão tomada pelo cache local (store primário fora).
	Degraded bool

	// Violations e PenaltyExpires refletem o escalonamento da chave.
	Violations     int
	PenaltyExpires time.Time
}
