package application

import (
	"context"
	"time"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// Admission limita as requisições em voo contra o upstream, sem saber nada sobre HTTP.
type Admission struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
//   - Se AcquireTimeout <= 0, espera até ctx encerrar.
//   - Se AcquireTimeout > 0, espera no máximo esse tempo.
//
// Com ok=false nenhuma vaga foi adquirida e a rejeição é contada.
func (a Admission) Acquire(ctx context.Context) (release func(), ok bool) {
	if a.Pool == nil {
		return func() {}, true
	}

	if a.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.AcquireTimeout)
		defer cancel()
	}

	release, ok = a.Pool.Acquire(ctx)
	if !ok {
		metrics.InflightRejected.Inc()
	}
	return release, ok
}
