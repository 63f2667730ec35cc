package infra

import (
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// windowCounter é um contador de janela fixa.
type windowCounter struct {
	Count int
	Start time.Time
}

// advance reinicia a janela quando o tempo decorrido cruza length.
// O reinício grava Start=now, então a mesma janela não reinicia duas vezes no mesmo instante.
func (w *windowCounter) advance(now time.Time, length time.Duration) (reset bool) {
	if w.Count < 0 {
		w.Count = 0
	}
	if w.Start.IsZero() || now.Before(w.Start) || now.Sub(w.Start) >= length {
		w.Start = now
		w.Count = 0
		return true
	}
	return false
}

func (w *windowCounter) retryAfter(now time.Time, length time.Duration) time.Duration {
	return w.Start.Add(length).Sub(now)
}

type rateWindow struct {
	Sec      windowCounter
	Min      windowCounter
	Hour     windowCounter
	LastSeen time.Time

	// por janela de minuto: cada limiar dispara uma única vez
	flagged   bool
	escalated bool
}

// RequestRateLimiter implementa domain.RequestLimiter com três janelas fixas por origem.
type RequestRateLimiter struct {
	settings *Settings
	now      func() time.Time
	logger   *zap.Logger
	windows  *table[domain.Source, rateWindow]
}

var _ domain.RequestLimiter = (*RequestRateLimiter)(nil)

// NewRequestRateLimiter cria o limitador usando a política de rate de settings.
func NewRequestRateLimiter(settings *Settings, opts ...Option) *RequestRateLimiter {
	o := buildOptions(opts)
	return &RequestRateLimiter{
		settings: settings,
		now:      o.now,
		logger:   o.logger.With(zap.String("component", "rate_limiter")),
		windows:  newTable[domain.Source, rateWindow](),
	}
}

// CheckAndIncrement conta a requisição nas três janelas e informa se algum teto foi violado.
//
// Requisições limitadas também são contadas. RetryAfter é a maior espera entre as
// janelas violadas.
func (l *RequestRateLimiter) CheckAndIncrement(src domain.Source) domain.RateResult {
	now := l.now()
	p := l.settings.Policy().Rate

	var (
		res       domain.RateResult
		minuteCnt int
	)
	l.windows.update(src, func(w *rateWindow) {
		w.LastSeen = now
		if w.Min.advance(now, time.Minute) {
			w.flagged = false
			w.escalated = false
		}
		w.Sec.advance(now, time.Second)
		w.Hour.advance(now, time.Hour)

		w.Sec.Count++
		w.Min.Count++
		w.Hour.Count++

		check := func(c *windowCounter, limit int, length time.Duration) {
			if c.Count > limit {
				res.Limited = true
				res.RetryAfter = max(res.RetryAfter, c.retryAfter(now, length))
			}
		}
		check(&w.Sec, p.PerSecond, time.Second)
		check(&w.Min, p.PerMinute, time.Minute)
		check(&w.Hour, p.PerHour, time.Hour)

		if !w.flagged && w.Min.Count >= p.SuspiciousPerMinute {
			w.flagged = true
			res.Suspicious = true
		}
		if !w.escalated && w.Min.Count >= p.BanPerMinute {
			w.escalated = true
			res.Escalate = true
		}
		minuteCnt = w.Min.Count
	})

	if res.Suspicious {
		metrics.SuspiciousSources.Inc()
		l.logger.Info("source_suspicious",
			zap.String("source", string(src)),
			zap.Int("minute_count", minuteCnt),
		)
	}
	return res
}

// Sweep descarta janelas de origens ociosas.
func (l *RequestRateLimiter) Sweep() SweepResult {
	now := l.now()
	retention := l.settings.Policy().RateRetention()

	removed, deferred := l.windows.sweep(func(w *rateWindow) bool {
		return now.Sub(w.LastSeen) > retention
	})
	return SweepResult{Removed: removed, Deferred: deferred}
}

// Len retorna o número de origens rastreadas.
func (l *RequestRateLimiter) Len() int {
	return l.windows.len()
}
