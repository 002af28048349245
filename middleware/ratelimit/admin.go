package ratelimit

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// AdminOptions configura a superfície administrativa (consumida por uma
// ferramenta de suporte externa; leitura é admin-only).
type AdminOptions struct {
	Admin  application.AdminService
	Token  string // valor exigido em X-Admin-Token
	Logger *zap.Logger
}

// AdminHandler expõe:
//
//	GET  /ratelimit/stats  -> snapshot JSON dos contadores
//	POST /ratelimit/reset  -> limpa balde/violações/penalidade de uma chave
//	                          (query: limit_type, identifier, endpoint)
func AdminHandler(opts AdminOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/ratelimit/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		writeAdminJSON(w, http.StatusOK, opts.Admin.Snapshot())
	})

	mux.HandleFunc("/ratelimit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		key := domain.Key{
			Type:       domain.LimitType(strings.TrimSpace(r.URL.Query().Get("limit_type"))),
			Identifier: strings.TrimSpace(r.URL.Query().Get("identifier")),
			Endpoint:   strings.TrimSpace(r.URL.Query().Get("endpoint")),
		}
		if err := opts.Admin.Reset(r.Context(), key); err != nil {
			logger.Warn("rate limit reset failed", zap.String("key", key.String()), zap.Error(err))
			writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("rate limit reset", zap.String("key", key.String()))
		writeAdminJSON(w, http.StatusOK, map[string]string{"cleared": key.String()})
	})

	return requireAdminToken(opts.Token, mux)
}

// requireAdminToken nega tudo quando o token não bate (ou não foi configurado).
func requireAdminToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAdminJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
