package domain

import (
	"context"
	"time"
)

// StatsEvent representa uma decisão de admissão para fins de contabilidade.
//
// Propositalmente agnóstico de HTTP: Method/Path são strings genéricas.
// Cuidado com cardinalidade ao persistir Key/Path em bases como Redis.
type StatsEvent struct {
	Key      Key
	Allowed  bool
	Reason   Reason
	Degraded bool

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência das estatísticas.
//
// O middleware trata erro como best-effort (nunca derruba a requisição).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsSnapshot é a visão agregada exposta pela superfície administrativa.
type StatsSnapshot struct {
	TotalChecked  int64               `json:"total_checked"`
	TotalAllowed  int64               `json:"total_allowed"`
	TotalDenied   int64               `json:"total_denied"`
	Bypassed      int64               `json:"bypassed"`
	FailOpen      int64               `json:"fail_open"`
	DenialsByType map[LimitType]int64 `json:"denials_by_type"`

	// DegradedSeconds acumula o tempo total em modo degradado.
	DegradedSeconds float64 `json:"degraded_mode_seconds"`
}
