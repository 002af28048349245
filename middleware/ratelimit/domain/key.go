package domain

import "strings"

// LimitType identifica a dimensão de um limite (IP, usuário, endpoint, global).
type LimitType string

const (
	LimitGlobal      LimitType = "global"
	LimitPerIP       LimitType = "per_ip"
	LimitPerUser     LimitType = "per_user"
	LimitPerEndpoint LimitType = "per_endpoint"
)

// EvalOrder é a ordem fixa de avaliação por requisição.
//
// Global primeiro: a negação mais abrangente vence e evita round trips extras.
var EvalOrder = [...]LimitType{LimitGlobal, LimitPerIP, LimitPerUser, LimitPerEndpoint}

func (t LimitType) Valid() bool {
	switch t {
	case LimitGlobal, LimitPerIP, LimitPerUser, LimitPerEndpoint:
		return true
	}
	return false
}

// Key é a chave composta de um limite.
//
// Identifier é o IP ou o id do usuário (vazio para global e per_endpoint).
// Endpoint é o nome lógico da rota (não o path cru com parâmetros, para não
// explodir a cardinalidade de chaves no store).
type Key struct {
	Type       LimitType
	Identifier string
	Endpoint   string
}

// String serializa a chave em um único componente estável.
//
// Exemplos: "global", "per_ip:10.0.0.1", "per_user:u123", "per_endpoint:orders.create".
func (k Key) String() string {
	parts := []string{string(k.Type)}
	if k.Identifier != "" {
		parts = append(parts, sanitizeComponent(k.Identifier))
	}
	if k.Endpoint != "" {
		parts = append(parts, sanitizeComponent(k.Endpoint))
	}
	return strings.Join(parts, ":")
}

// sanitizeComponent limita o alfabeto e o tamanho de componentes vindos da rede
// (IPs, ids, nomes de rota) antes de virarem chave no store.
func sanitizeComponent(c string) string {
	var b strings.Builder
	b.Grow(len(c))
	for _, r := range c {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
