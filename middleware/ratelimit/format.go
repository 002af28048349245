// utilitário pequeno para formatação rápida/consistente de valores numéricos
// em headers e corpos de erro, sem puxar fmt para o caminho quente.

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// ceilSeconds arredonda para cima em segundos inteiros (mínimo 1 quando d > 0),
// o formato que Retry-After e retry_after_seconds esperam.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
