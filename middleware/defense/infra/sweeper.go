package infra

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
)

// SweepResult resume um ciclo de limpeza de um store.
type SweepResult struct {
	Removed  int
	Deferred int
}

// Sweepable é qualquer store em memória que sabe descartar entradas ociosas.
type Sweepable interface {
	Sweep() SweepResult
	Len() int
}

type sweepTarget struct {
	name  string
	store Sweepable
}

// Sweeper limpa periodicamente os stores registrados.
//
// O intervalo é relido de Settings a cada ciclo, então uma troca de política
// em tempo de execução reprograma o ticker.
type Sweeper struct {
	settings *Settings
	logger   *zap.Logger

	mu      sync.Mutex
	targets []sweepTarget
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper cria um sweeper parado.
func NewSweeper(settings *Settings, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	return &Sweeper{
		settings: settings,
		logger:   o.logger.With(zap.String("component", "sweeper")),
	}
}

// Register adiciona um store. name vira o label "store" das métricas.
func (s *Sweeper) Register(name string, store Sweepable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, sweepTarget{name: name, store: store})
}

// SweepOnce executa um ciclo em todos os stores e atualiza as métricas.
func (s *Sweeper) SweepOnce() map[string]SweepResult {
	s.mu.Lock()
	targets := append([]sweepTarget(nil), s.targets...)
	s.mu.Unlock()

	out := make(map[string]SweepResult, len(targets))
	removed, deferred := 0, 0
	for _, t := range targets {
		res := t.store.Sweep()
		out[t.name] = res
		removed += res.Removed
		deferred += res.Deferred

		metrics.SweepRemoved.WithLabelValues(t.name).Add(float64(res.Removed))
		metrics.SweepDeferred.WithLabelValues(t.name).Add(float64(res.Deferred))
		metrics.TrackedEntries.WithLabelValues(t.name).Set(float64(t.store.Len()))
	}

	if removed > 0 || deferred > 0 {
		s.logger.Debug("sweep",
			zap.Int("removed", removed),
			zap.Int("deferred", deferred),
		)
	}
	return out
}

// Start inicia a goroutine de limpeza. Pare cancelando o contexto ou com Stop.
// Chamar Start com o sweeper já rodando não faz nada.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	interval := s.interval()
	t := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				s.SweepOnce()
				if next := s.interval(); next != interval {
					interval = next
					t.Reset(interval)
				}
			}
		}
	}()
}

// Stop encerra a goroutine e espera ela terminar. Pode ser chamado mais de uma vez.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Sweeper) interval() time.Duration {
	d := s.settings.Policy().Sweep.Interval
	if d <= 0 {
		d = time.Minute
	}
	return d
}
