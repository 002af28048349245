// Package ratelimit fornece adapters HTTP (net/http) para controle de admissão:
// rate limit distribuído por dimensão, penalidades e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão de admissão, administração) sem net/http
//   - infra: implementações concretas (store Redis, fallback local, registro de
//     regras, coletor de estatísticas), detalhes de infraestrutura
//   - ratelimit (este pacote): middlewares HTTP + resolução de chaves + tradução
//     para status/headers + superfície administrativa
//
// Fluxo no gateway:
//
//  1. Resolve as chaves da requisição (global, IP, usuário, endpoint)
//  2. Chama a camada application; a avaliação para na primeira negação
//  3. Se bloqueado, responde 429 com corpo estruturado e Retry-After
//     (ou 503 quando o store caiu sob política fail-closed)
//  4. Se permitido, anexa os headers X-RateLimit-* da regra mais restritiva
//     e chama o próximo handler (ex: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como REDIS_ADDR, RULES_FILE, ADMISSION_POLICY e BYPASS_TOKEN.
package ratelimit
