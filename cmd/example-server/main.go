package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/config"
	"defense-gateway/internal/observability"
	"defense-gateway/middleware/defense"
	"defense-gateway/middleware/defense/domain"
)

// Exemplo: o motor embutido no próprio servidor (sem proxy).
// A aplicação chama Check antes de validar a senha e Report depois.
func main() {
	cfg, err := config.Load(os.Getenv("DEFENSE_CONFIG"))
	if err != nil {
		fatal(err)
	}
	logger, closer, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = closer.Close() }()

	engine, err := defense.New(cfg.Policy(), defense.WithLogger(logger))
	if err != nil {
		logger.Fatal("invalid_policy", zap.Error(err))
	}
	defer func() { _ = engine.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(engine, demoUsers(), cfg.Server.TrustXFF),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example_server_listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server_error", zap.Error(err))
	}
}

func fatal(err error) {
	_, _ = os.Stderr.WriteString(err.Error() + "\n")
	os.Exit(1)
}

func demoUsers() map[string]string {
	return map[string]string{"alice": "wonderland", "bob": "builder"}
}

// newMux só confia no X-Forwarded-For com trustXFF; exposto direto, a origem é
// sempre o RemoteAddr.
func newMux(engine *defense.Engine, users map[string]string, trustXFF bool) http.Handler {
	sourceFn := defense.DefaultSourceFunc("", trustXFF)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		username := r.PostForm.Get("username")
		id := domain.NewIdentity(username, sourceFn(r))

		dec := engine.Check(domain.Request{Source: id.Source, Username: id.Username, Class: domain.EndpointLogin})
		if !dec.Allowed {
			defense.WriteDenial(w, dec)
			return
		}

		want, known := users[id.Username]
		if !known || subtle.ConstantTimeCompare([]byte(want), []byte(r.PostForm.Get("password"))) != 1 {
			engine.Report(id, domain.OutcomeFailure)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		engine.Report(id, domain.OutcomeSuccess)
		_, _ = w.Write([]byte("welcome " + id.Username + "\n"))
	})

	// o resto do site passa pelo middleware (rate limit, ban e emergência)
	site := http.NewServeMux()
	site.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/", defense.Middleware(engine, defense.Options{SourceFn: sourceFn})(site))
	return mux
}
