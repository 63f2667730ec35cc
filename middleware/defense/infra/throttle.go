package infra

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// EmergencyThrottle implementa domain.Throttle com um contador global por segundo.
//
// Acima de Threshold o sistema entra em emergência por Cooldown. A saída exige o
// fim do cooldown e a taxa medida abaixo de Threshold × RecoveryRatio.
type EmergencyThrottle struct {
	settings *Settings
	now      func() time.Time
	logger   *zap.Logger

	mu          sync.Mutex
	count       int
	windowStart time.Time
	prevCount   int
	active      bool
	until       time.Time
}

var _ domain.Throttle = (*EmergencyThrottle)(nil)

// NewEmergencyThrottle cria o throttle usando a política de emergência de settings.
func NewEmergencyThrottle(settings *Settings, opts ...Option) *EmergencyThrottle {
	o := buildOptions(opts)
	return &EmergencyThrottle{
		settings: settings,
		now:      o.now,
		logger:   o.logger.With(zap.String("component", "emergency_throttle")),
	}
}

// advance fecha a janela de um segundo quando necessário. Chamar com mu travado.
func (t *EmergencyThrottle) advance(now time.Time) {
	elapsed := now.Sub(t.windowStart)
	if !t.windowStart.IsZero() && elapsed >= 0 && elapsed < time.Second {
		return
	}
	if !t.windowStart.IsZero() && elapsed >= 0 && elapsed < 2*time.Second {
		t.prevCount = t.count
	} else {
		t.prevCount = 0
	}
	t.count = 0
	t.windowStart = now
}

// rate é a taxa medida: o maior entre o segundo atual e o anterior. Chamar com mu travado.
func (t *EmergencyThrottle) rate(now time.Time) int {
	elapsed := now.Sub(t.windowStart)
	switch {
	case t.windowStart.IsZero() || elapsed < 0 || elapsed >= 2*time.Second:
		return 0
	case elapsed >= time.Second:
		return t.count
	default:
		return max(t.count, t.prevCount)
	}
}

// tryRecover encerra a emergência se o cooldown acabou e a taxa baixou. Chamar com mu travado.
func (t *EmergencyThrottle) tryRecover(now time.Time, p domain.EmergencyPolicy) bool {
	if !t.active || now.Before(t.until) {
		return false
	}
	if float64(t.rate(now)) > float64(p.Threshold)*p.RecoveryRatio {
		return false
	}
	t.active = false
	return true
}

// OnRequest conta a requisição no contador global e informa se o sistema está em emergência.
func (t *EmergencyThrottle) OnRequest() (bool, time.Duration) {
	p := t.settings.Policy().Emergency
	now := t.now()

	t.mu.Lock()
	if !p.Enabled {
		wasActive := t.active
		t.active = false
		t.mu.Unlock()
		if wasActive {
			t.transition(false, 0)
		}
		return false, 0
	}

	t.advance(now)
	t.count++

	entered := false
	if !t.active && t.count > p.Threshold {
		t.active = true
		t.until = now.Add(p.Cooldown)
		entered = true
	}
	exited := t.tryRecover(now, p)

	active := t.active
	var retry time.Duration
	if active {
		retry = max(t.until.Sub(now), time.Second)
	}
	rate := t.rate(now)
	t.mu.Unlock()

	if entered {
		t.transition(true, rate)
	}
	if exited {
		t.transition(false, rate)
	}
	return active, retry
}

// Active informa o estado sem contar uma requisição.
func (t *EmergencyThrottle) Active() bool {
	p := t.settings.Policy().Emergency
	now := t.now()

	t.mu.Lock()
	if !p.Enabled {
		t.mu.Unlock()
		return false
	}
	exited := t.tryRecover(now, p)
	active := t.active
	t.mu.Unlock()

	if exited {
		t.transition(false, 0)
	}
	return active
}

// Snapshot retorna o estado atual para o endpoint administrativo.
func (t *EmergencyThrottle) Snapshot() (active bool, rate int, until time.Time) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.rate(now), t.until
}

func (t *EmergencyThrottle) transition(active bool, rate int) {
	metrics.SetEmergency(active)
	if active {
		metrics.EmergencyTransitions.WithLabelValues("enter").Inc()
		t.logger.Error("emergency_enter", zap.Int("rate", rate))
		return
	}
	metrics.EmergencyTransitions.WithLabelValues("exit").Inc()
	t.logger.Warn("emergency_exit", zap.Int("rate", rate))
}
