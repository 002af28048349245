package domain

import "time"

// ViolationRecord é o bookkeeping de negações repetidas de uma chave.
//
// Vive no store com TTL = Penalty.Window; PenaltyExpires só é preenchido após
// o escalonamento. Criado na primeira negação, limpo após o cooldown.
type ViolationRecord struct {
	Key            Key
	Count          int
	First          time.Time
	Last           time.Time
	PenaltyExpires time.Time
}

// Penalized indica se a chave está bloqueada por escalonamento neste instante.
func (v ViolationRecord) Penalized(now time.Time) bool {
	return !v.PenaltyExpires.IsZero() && now.Before(v.PenaltyExpires)
}
