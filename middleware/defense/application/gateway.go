package application

import (
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// PolicySource fornece a política vigente (infra.Settings implementa).
type PolicySource interface {
	Policy() *domain.Policy
}

// Gateway compõe os componentes de defesa em uma única decisão por requisição.
//
// Ordem de avaliação (curto-circuito): emergência → banimento → rate limit → lockout.
// Origens da allowlist pulam banimento e rate limit, mas não o lockout.
//
// Falhas internas: pânico no lockout nega (fail-closed); pânico no throttle,
// no banimento ou no rate limit libera (fail-open). Nenhum componente faz I/O.
type Gateway struct {
	Throttle  domain.Throttle
	Allowlist domain.Allowlist
	Bans      domain.BanList
	Limiter   domain.RequestLimiter
	Ledger    domain.AttemptLedger
	Policy    PolicySource
	Logger    *zap.Logger
}

// Check decide se a requisição pode seguir. Nunca retorna erro: negar é um valor.
func (g *Gateway) Check(req domain.Request) domain.Decision {
	src := domain.NewSource(string(req.Source))

	if g.Throttle != nil {
		emergency, retry := guard(g, "throttle", timedFlag{}, func() timedFlag {
			on, d := g.Throttle.OnRequest()
			return timedFlag{on: on, retry: d}
		}).unpack()
		if emergency && req.Class != domain.EndpointHealth {
			return domain.Deny(domain.ReasonEmergency, retry)
		}
	}

	trusted := g.Allowlist != nil && guard(g, "allowlist", false, func() bool {
		return g.Allowlist.Contains(src)
	})

	if !trusted {
		if g.Bans != nil {
			banned, remaining := guard(g, "ban_list", timedFlag{}, func() timedFlag {
				on, d := g.Bans.Check(src)
				return timedFlag{on: on, retry: d}
			}).unpack()
			if banned {
				return domain.Deny(domain.ReasonBanned, remaining)
			}
		}

		if g.Limiter != nil {
			res := guard(g, "rate_limiter", domain.RateResult{}, func() domain.RateResult {
				return g.Limiter.CheckAndIncrement(src)
			})
			if res.Escalate && g.Bans != nil {
				ok, retry := guard(g, "ban_list", timedFlag{}, func() timedFlag {
					g.Bans.Escalate(src, "rate_per_minute")
					// um banimento anterior mais longo pode ter sido mantido
					on, d := g.Bans.Check(src)
					return timedFlag{on: on, retry: d}
				}).unpack()
				if ok {
					return domain.Deny(domain.ReasonBanned, retry)
				}
			}
			if res.Limited {
				return domain.Deny(domain.ReasonRateLimited, res.RetryAfter)
			}
		}
	}

	if req.Class == domain.EndpointLogin && g.Ledger != nil {
		id := domain.NewIdentity(req.Username, string(src))
		st := guard(g, "attempt_ledger", domain.LockStatus{Locked: true, Remaining: g.lockoutFallback()}, func() domain.LockStatus {
			return g.Ledger.IsLocked(id)
		})
		if st.Locked {
			return domain.Deny(domain.ReasonLocked, st.Remaining)
		}
	}

	return domain.Allow()
}

// Report informa o resultado da verificação de credenciais de um login liberado por Check.
func (g *Gateway) Report(id domain.Identity, outcome domain.Outcome) {
	metrics.LoginOutcomes.WithLabelValues(outcome.String()).Inc()
	if g.Ledger == nil {
		return
	}
	id = domain.NewIdentity(id.Username, string(id.Source))

	guard(g, "attempt_ledger", struct{}{}, func() struct{} {
		switch outcome {
		case domain.OutcomeSuccess:
			g.Ledger.RecordSuccess(id)
		case domain.OutcomeFailure:
			g.Ledger.RecordFailure(id)
		}
		return struct{}{}
	})
}

func (g *Gateway) lockoutFallback() (d time.Duration) {
	d = domain.DefaultPolicy().Lockout.BaseDuration
	if g.Policy == nil {
		return d
	}
	defer func() { _ = recover() }()
	if p := g.Policy.Policy(); p != nil && p.Lockout.BaseDuration > 0 {
		d = p.Lockout.BaseDuration
	}
	return d
}

func (g *Gateway) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// guard executa fn e troca um pânico por fallback, registrando o componente.
func guard[T any](g *Gateway, component string, fallback T, fn func() T) (out T) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PolicyPanics.WithLabelValues(component).Inc()
			g.logger().Error("policy_panic_recovered",
				zap.String("component", component),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out = fallback
		}
	}()
	return fn()
}

type timedFlag struct {
	on    bool
	retry time.Duration
}

func (r timedFlag) unpack() (bool, time.Duration) { return r.on, r.retry }

