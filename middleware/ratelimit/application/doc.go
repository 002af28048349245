// Package application contém os casos de uso do controle de admissão.
//
// Ele depende apenas do pacote domain e não conhece net/http nem redis.
// Ex.: Service.Check(keys) retorna a decisão agregada da requisição
// (primeira negação vence; entre permissões, a mais restritiva manda nos headers).
package application
