// Package domain define contratos e tipos de domínio para controle de admissão:
// rate limit distribuído (token bucket), penalidades por abuso e estatísticas.
//
// Este pacote não depende de net/http, de redis nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
