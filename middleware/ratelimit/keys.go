package ratelimit

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// ClientIPFunc extrai o identificador de IP do cliente.
type ClientIPFunc func(r *http.Request) string

// IdentityFunc retorna a identidade resolvida pela camada de autenticação
// (ou "" para anônimo). Este pacote não autentica nada.
type IdentityFunc func(r *http.Request) string

// EndpointFunc retorna o nome lógico da rota (não o path cru com parâmetros,
// para limitar a cardinalidade de chaves). O router é quem sabe esse nome.
type EndpointFunc func(r *http.Request) string

// DefaultClientIPFunc extrai o IP: header dedicado > primeiro hop do
// X-Forwarded-For (quando confiável) > host do RemoteAddr.
func DefaultClientIPFunc(ipHeader string, trustXFF bool) ClientIPFunc {
	return func(r *http.Request) string {
		if ipHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(ipHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if len(parts) > 0 {
					ip := strings.TrimSpace(parts[0])
					if ip != "" {
						return ip
					}
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// HeaderIdentityFunc lê a identidade de um header interno preenchido pela
// autenticação (ex: X-User-ID atrás do gateway).
func HeaderIdentityFunc(header string) IdentityFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}

var pathIDPattern = regexp.MustCompile(`/([0-9]+|[0-9a-fA-F-]{8,})(/|$)`)

// DefaultEndpointFunc deriva um nome de rota do método + path normalizado.
// É um fallback: o ideal é o router fornecer o nome lógico via EndpointFunc.
func DefaultEndpointFunc() EndpointFunc {
	return func(r *http.Request) string {
		p := r.URL.Path
		// ids numéricos/uuid viram placeholder para não explodir cardinalidade
		for pathIDPattern.MatchString(p) {
			p = pathIDPattern.ReplaceAllString(p, "/_id_$2")
		}
		p = strings.Trim(p, "/")
		if p == "" {
			p = "root"
		}
		return r.Method + " /" + p
	}
}

// resolveKeys monta as chaves da requisição na ordem fixa de avaliação.
func resolveKeys(r *http.Request, ipFn ClientIPFunc, idFn IdentityFunc, epFn EndpointFunc) []domain.Key {
	keys := make([]domain.Key, 0, len(domain.EvalOrder))
	keys = append(keys, domain.Key{Type: domain.LimitGlobal})

	if ipFn != nil {
		if ip := ipFn(r); ip != "" {
			keys = append(keys, domain.Key{Type: domain.LimitPerIP, Identifier: ip})
		}
	}
	if idFn != nil {
		if id := idFn(r); id != "" {
			keys = append(keys, domain.Key{Type: domain.LimitPerUser, Identifier: id})
		}
	}
	if epFn != nil {
		if ep := epFn(r); ep != "" {
			keys = append(keys, domain.Key{Type: domain.LimitPerEndpoint, Endpoint: ep})
		}
	}
	return keys
}
