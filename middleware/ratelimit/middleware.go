package ratelimit

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Options configura o middleware de admissão.
type Options struct {
	// Store decide; normalmente um infra.FailoverStore (Redis + fallback local).
	Store domain.BucketStore
	// Rules resolve a regra por dimensão/endpoint (infra.Registry).
	Rules domain.RuleSource
	// Stats recebe um evento por requisição checada (best-effort).
	Stats domain.StatsStore

	Logger *zap.Logger

	// Policy quando primário E fallback falham. Padrão: fail-open.
	Policy application.Policy

	// Resolução de chaves.
	ClientIPFn         ClientIPFunc
	IPHeader           string
	TrustXForwardedFor bool
	IdentityFn         IdentityFunc
	EndpointFn         EndpointFunc

	// Bypass de ambiente de teste: header + token reconhecidos pulam o
	// limiter inteiro mas continuam contabilizados nas estatísticas.
	BypassHeader string
	BypassToken  string

	// Cost por requisição (padrão 1).
	Cost int

	// UnavailableRetryAfter alimenta o Retry-After do 503 sob fail-closed.
	UnavailableRetryAfter time.Duration
}

type denialBody struct {
	ErrorCode         string `json:"error_code"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Middleware devolve o decorator de admissão.
//
// Uma negação nunca é silenciosa: o cliente sempre recebe 429/503 com o corpo
// estruturado e a orientação de retry.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Cost == 0 {
		opts.Cost = 1
	}
	if opts.ClientIPFn == nil {
		opts.ClientIPFn = DefaultClientIPFunc(opts.IPHeader, opts.TrustXForwardedFor)
	}
	if opts.EndpointFn == nil {
		opts.EndpointFn = DefaultEndpointFunc()
	}
	if opts.UnavailableRetryAfter <= 0 {
		opts.UnavailableRetryAfter = 5 * time.Second
	}

	svc := &application.Service{
		Store:  opts.Store,
		Rules:  opts.Rules,
		Stats:  opts.Stats,
		Policy: opts.Policy,
		Logger: opts.Logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := svc.Check(r.Context(), application.CheckInput{
				Keys:   resolveKeys(r, opts.ClientIPFn, opts.IdentityFn, opts.EndpointFn),
				Cost:   opts.Cost,
				Bypass: hasBypass(r, opts.BypassHeader, opts.BypassToken),
				Method: r.Method,
				Path:   r.URL.Path,
			})

			if res.Unavailable {
				w.Header().Set("Retry-After", formatInt(ceilSeconds(opts.UnavailableRetryAfter)))
				writeDenial(w, http.StatusServiceUnavailable, denialBody{ErrorCode: "SERVICE_UNAVAILABLE"})
				return
			}

			dec := res.Decision
			if dec.Limit > 0 {
				// headers refletem a regra mais restritiva efetivamente checada
				w.Header().Set("X-RateLimit-Limit", formatInt(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
				w.Header().Set("X-RateLimit-Reset", formatInt64(dec.ResetAt.Unix()))
				w.Header().Set("X-RateLimit-Window", formatInt(int(dec.Window/time.Second)))
			}

			if !dec.Allowed {
				retry := ceilSeconds(dec.RetryAfter)
				if retry > 0 {
					w.Header().Set("Retry-After", formatInt(retry))
				}
				writeDenial(w, http.StatusTooManyRequests, denialBody{
					ErrorCode:         "RATE_LIMITED",
					RetryAfterSeconds: retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// hasBypass reconhece o marcador de bypass de teste (header + token exatos).
func hasBypass(r *http.Request, header, token string) bool {
	if header == "" || token == "" {
		return false
	}
	v := r.Header.Get(header)
	if v == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v), []byte(token)) == 1
}

func writeDenial(w http.ResponseWriter, status int, body denialBody) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
