// Package infra contém implementações concretas (infraestrutura) para os
// contratos definidos no pacote domain.
//
// Exemplos:
//   - RedisBucketStore: consumo atômico de token bucket via script Lua no Redis
//   - FallbackStore: baldes locais por instância (modo degradado), sharded
//   - FailoverStore: chaveia primário/fallback com sondagem em backoff
//   - Registry: snapshot imutável de regras com reload a quente e overrides
//   - Collector: contadores de admissão + métricas Prometheus
//   - ChanPool: semáforo simples para limite de concorrência
package infra
