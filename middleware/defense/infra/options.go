package infra

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	now    func() time.Time
	logger *zap.Logger
}

// Option configura os componentes em memória (relógio e logger).
type Option func(*options)

// WithClock injeta a fonte de tempo. Útil em testes de janela.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger define o logger. nil mantém o logger silencioso.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
