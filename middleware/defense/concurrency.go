package defense

import (
	"net/http"
	"time"

	"defense-gateway/middleware/defense/application"
	"defense-gateway/middleware/defense/domain"
	"defense-gateway/middleware/defense/infra"
)

type ConcurrencyOptions struct {
	Max            int
	AcquireTimeout time.Duration
	// RetryAfter sugerido ao cliente quando não há vaga.
	RetryAfter time.Duration
}

// ConcurrencyMiddleware limita as requisições em voo contra o upstream.
// Sem vaga dentro do timeout responde 503 SERVICE_UNAVAILABLE.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}

	svc := application.Admission{
		Pool:           infra.NewSlotPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				writeDenial(w, http.StatusServiceUnavailable, domain.CodeServiceUnavailable, opts.RetryAfter)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
