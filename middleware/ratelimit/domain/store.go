package domain

import (
	"context"
	"errors"
)

// ErrStoreUnavailable indica que o store de bookkeeping não respondeu.
// É absorvido internamente pelo fallback; só chega ao chamador sob fail-closed.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// ErrInvalidRule indica configuração inválida (fatal no startup/reload).
var ErrInvalidRule = errors.New("invalid rate limit rule")

// BucketStore é a estratégia de persistência atômica dos baldes.
//
// Consume deve executar em um ÚNICO round trip atômico: checagem de penalidade,
// refil + consumo do balde e registro de violação em caso de negação. Duas idas
// separadas (read depois write) permitem estouro sob concorrência e são vetadas.
//
// cost == 0 retorna uma decisão válida sem mutar estado algum.
type BucketStore interface {
	Consume(ctx context.Context, key Key, rule Rule, pen Penalty, cost int) (Decision, error)

	// Clear remove balde, violações e penalidade da chave (intervenção de suporte).
	Clear(ctx context.Context, key Key) error

	// Healthy reporta se o store respondeu na última sondagem.
	Healthy() bool
}
