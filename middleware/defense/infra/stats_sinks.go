package infra

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// PrometheusStatsStore conta decisões no vetor defense_decisions_total.
type PrometheusStatsStore struct{}

func (PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonAllow
	}
	metrics.Decisions.WithLabelValues(string(reason), ev.Class.String()).Inc()
	return nil
}

// MultiStatsStore repassa o evento para todos os stores e junta os erros.
type MultiStatsStore []domain.StatsStore

func (m MultiStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncStatsStore desacopla o caminho da requisição de stores lentos (ex.: Redis).
//
// Record nunca bloqueia: com o buffer cheio o evento é descartado e contado em
// defense_stats_dropped_total.
type AsyncStatsStore struct {
	next    domain.StatsStore
	events  chan domain.StatsEvent
	timeout time.Duration
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type AsyncStatsOption func(*AsyncStatsStore)

// WithAsyncTimeout limita o tempo de cada Record no store de destino.
func WithAsyncTimeout(d time.Duration) AsyncStatsOption {
	return func(a *AsyncStatsStore) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithAsyncLogger(l *zap.Logger) AsyncStatsOption {
	return func(a *AsyncStatsStore) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAsyncStatsStore inicia o worker que drena o buffer para next.
func NewAsyncStatsStore(next domain.StatsStore, buffer int, opts ...AsyncStatsOption) *AsyncStatsStore {
	if buffer < 1 {
		buffer = 1
	}
	a := &AsyncStatsStore{
		next:    next,
		events:  make(chan domain.StatsEvent, buffer),
		timeout: 500 * time.Millisecond,
		logger:  zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "stats_async"))
	go a.run()
	return a
}

func (a *AsyncStatsStore) Record(_ context.Context, ev domain.StatsEvent) (err error) {
	// Record após Close: o canal fechado entra em pânico, o evento é descartado
	defer func() {
		if recover() != nil {
			metrics.StatsDropped.Inc()
			err = nil
		}
	}()
	select {
	case a.events <- ev:
	default:
		metrics.StatsDropped.Inc()
	}
	return nil
}

func (a *AsyncStatsStore) run() {
	defer close(a.done)
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Record(ctx, ev); err != nil {
			a.logger.Debug("stats_record_failed", zap.Error(err))
		}
		cancel()
	}
}

// Close para de aceitar eventos e espera o buffer ser drenado.
func (a *AsyncStatsStore) Close() {
	a.closeOnce.Do(func() { close(a.events) })
	<-a.done
}
