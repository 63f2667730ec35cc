package infra

import (
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

type attemptRecord struct {
	Count         int
	WindowStart   time.Time
	LastAttemptAt time.Time
	LockoutCount  int
	LockedUntil   time.Time
}

func (r *attemptRecord) locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// normalize corrige anomalias no lugar em vez de falhar: contadores negativos
// viram zero, bloqueio vencido é limpo (LockoutCount é preservado para o próximo
// escalonamento) e um bloqueio além do teto é reduzido ao teto.
func (r *attemptRecord) normalize(now time.Time, p domain.LockoutPolicy) {
	if r.Count < 0 {
		r.Count = 0
	}
	if r.LockoutCount < 0 {
		r.LockoutCount = 0
	}
	if r.LockedUntil.IsZero() {
		return
	}
	if !now.Before(r.LockedUntil) {
		r.LockedUntil = time.Time{}
		r.Count = 0
		r.WindowStart = time.Time{}
		return
	}
	if ceiling := now.Add(p.MaxDuration); r.LockedUntil.After(ceiling) {
		r.LockedUntil = ceiling
	}
}

// windowExpired indica que as falhas contadas já saíram da janela.
func (r *attemptRecord) windowExpired(now time.Time, p domain.LockoutPolicy) bool {
	return r.WindowStart.IsZero() || now.Sub(r.WindowStart) > p.AttemptWindow
}

// AttemptLedger implementa domain.AttemptLedger em memória.
type AttemptLedger struct {
	settings *Settings
	now      func() time.Time
	logger   *zap.Logger
	records  *table[domain.Identity, attemptRecord]
}

var _ domain.AttemptLedger = (*AttemptLedger)(nil)

// NewAttemptLedger cria o ledger usando a política de lockout de settings.
func NewAttemptLedger(settings *Settings, opts ...Option) *AttemptLedger {
	o := buildOptions(opts)
	return &AttemptLedger{
		settings: settings,
		now:      o.now,
		logger:   o.logger.With(zap.String("component", "attempt_ledger")),
		records:  newTable[domain.Identity, attemptRecord](),
	}
}

// RecordFailure conta uma falha de login e bloqueia a identidade ao atingir MaxAttempts.
//
// Falhas fora da janela reiniciam a contagem (esta passa a ser a tentativa 1).
// Falhas reportadas durante um bloqueio não o estendem.
func (l *AttemptLedger) RecordFailure(id domain.Identity) domain.FailureResult {
	now := l.now()
	p := l.settings.Policy().Lockout

	var (
		res          domain.FailureResult
		lockedNow    bool
		lockoutCount int
	)
	l.records.update(id, func(r *attemptRecord) {
		r.normalize(now, p)
		r.LastAttemptAt = now

		if r.locked(now) {
			res = domain.FailureResult{Locked: true, LockDuration: r.LockedUntil.Sub(now)}
			return
		}

		if r.windowExpired(now, p) {
			r.WindowStart = now
			r.Count = 0
		}
		r.Count++

		if r.Count < p.MaxAttempts {
			res.AttemptsRemaining = p.MaxAttempts - r.Count
			return
		}

		r.Count = p.MaxAttempts
		r.LockoutCount++
		d := p.Duration(r.LockoutCount)
		r.LockedUntil = now.Add(d)

		res = domain.FailureResult{Locked: true, LockDuration: d}
		lockedNow = true
		lockoutCount = r.LockoutCount
	})

	if lockedNow {
		metrics.Lockouts.Inc()
		l.logger.Warn("lockout",
			zap.String("username", id.Username),
			zap.String("source", string(id.Source)),
			zap.Int("lockout_count", lockoutCount),
			zap.Duration("duration", res.LockDuration),
		)
	}
	return res
}

// RecordSuccess apaga o registro: contagem, bloqueio e LockoutCount.
func (l *AttemptLedger) RecordSuccess(id domain.Identity) {
	l.records.remove(id)
}

// IsLocked verifica o bloqueio e expira preguiçosamente um LockedUntil vencido.
//
// Se o registro estiver inconsistente (limiar atingido sem bloqueio registrado),
// a verificação falha fechada e aplica o bloqueio.
func (l *AttemptLedger) IsLocked(id domain.Identity) domain.LockStatus {
	now := l.now()
	p := l.settings.Policy().Lockout

	var (
		st      domain.LockStatus
		anomaly bool
	)
	l.records.modify(id, func(r *attemptRecord) bool {
		r.normalize(now, p)

		if !r.locked(now) && r.Count > 0 && r.windowExpired(now, p) {
			r.Count = 0
			r.WindowStart = time.Time{}
		}
		if !r.locked(now) && r.Count >= p.MaxAttempts {
			anomaly = true
			r.Count = p.MaxAttempts
			r.LockoutCount++
			r.LockedUntil = now.Add(p.Duration(r.LockoutCount))
		}

		st.Attempts = r.Count
		if r.locked(now) {
			st.Locked = true
			st.Remaining = r.LockedUntil.Sub(now)
		}
		return false
	})

	if anomaly {
		l.logger.Warn("lockout_state_anomaly",
			zap.String("username", id.Username),
			zap.String("source", string(id.Source)),
			zap.Duration("remaining", st.Remaining),
		)
	}
	return st
}

// Status retorna um snapshot sem alterar o registro.
func (l *AttemptLedger) Status(id domain.Identity) domain.AttemptStatus {
	now := l.now()
	p := l.settings.Policy().Lockout

	st := domain.AttemptStatus{Identity: id}
	r, ok := l.records.view(id)
	if !ok {
		return st
	}
	// r é uma cópia: normalizar aqui não altera o ledger
	r.normalize(now, p)
	if !r.locked(now) && r.windowExpired(now, p) {
		r.Count = 0
	}

	st.Tracked = true
	st.Attempts = r.Count
	st.LockoutCount = r.LockoutCount
	st.WindowStart = r.WindowStart
	st.LastAttemptAt = r.LastAttemptAt
	if r.locked(now) {
		st.Locked = true
		st.LockedUntil = r.LockedUntil
		st.Remaining = r.LockedUntil.Sub(now)
	}
	return st
}

// Sweep descarta registros ociosos que não estejam bloqueados.
func (l *AttemptLedger) Sweep() SweepResult {
	now := l.now()
	retention := l.settings.Policy().LedgerRetention()

	removed, deferred := l.records.sweep(func(r *attemptRecord) bool {
		if r.locked(now) {
			return false
		}
		return now.Sub(r.LastAttemptAt) > retention
	})
	return SweepResult{Removed: removed, Deferred: deferred}
}

// Len retorna o número de identidades rastreadas.
func (l *AttemptLedger) Len() int {
	return l.records.len()
}
