package application

import (
	"context"
	"fmt"

	"admission-gateway/middleware/ratelimit/domain"
)

// StatsReader é o mínimo que a superfície administrativa precisa do coletor.
type StatsReader interface {
	Snapshot() domain.StatsSnapshot
}

// AdminService expõe as intervenções de suporte: consulta de contadores e
// reset de limites (balde + violações + penalidade de uma chave).
type AdminService struct {
	Store domain.BucketStore
	Stats StatsReader
}

// Reset limpa o bookkeeping da chave. A próxima checagem recomeça com balde cheio.
func (s AdminService) Reset(ctx context.Context, key domain.Key) error {
	if s.Store == nil {
		return nil
	}
	if !key.Type.Valid() {
		return fmt.Errorf("%w: unknown limit type %q", domain.ErrInvalidRule, string(key.Type))
	}
	return s.Store.Clear(ctx, key)
}

// Snapshot retorna a visão agregada dos contadores.
func (s AdminService) Snapshot() domain.StatsSnapshot {
	if s.Stats == nil {
		return domain.StatsSnapshot{}
	}
	return s.Stats.Snapshot()
}
