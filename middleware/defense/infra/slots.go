package infra

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"defense-gateway/middleware/defense/domain"
)

type slotPool struct {
	sem *semaphore.Weighted
}

// NewSlotPool cria um pool de vagas com capacidade max, baseado em semaphore.Weighted.
func NewSlotPool(max int) domain.SlotPool {
	if max < 1 {
		max = 1
	}
	return &slotPool{sem: semaphore.NewWeighted(int64(max))}
}

func (p *slotPool) Acquire(ctx context.Context) (func(), bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	return sync.OnceFunc(func() { p.sem.Release(1) }), true
}
