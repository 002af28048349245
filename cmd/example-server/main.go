package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/infra"
)

// Exemplo: injetando o middleware diretamente no seu webserver, sem proxy e
// sem Redis (só o store local por instância).
func main() {
	rules, err := infra.NewRegistry("")
	if err != nil {
		log.Fatalf("registry error: %v", err)
	}
	if err := rules.LoadBytes([]byte(`
default:
  capacity: 100
  window: 1m
types:
  per_ip:
    default: {capacity: 20, window: 1m, burst: 5}
    penalty: {threshold: 10, window: 5m, duration: 15m}
`)); err != nil {
		log.Fatalf("rules error: %v", err)
	}

	store := infra.NewFallbackStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx, 2*time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Store:              store,
		Rules:              rules,
		Stats:              infra.NewCollector(),
		TrustXForwardedFor: true,
		IdentityFn:         ratelimit.HeaderIdentityFunc("X-User-ID"),
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("example server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
