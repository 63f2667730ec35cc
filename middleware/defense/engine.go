package defense

import (
	"context"
	"time"

	"go.uber.org/zap"

	"defense-gateway/middleware/defense/application"
	"defense-gateway/middleware/defense/domain"
	"defense-gateway/middleware/defense/infra"
)

// Engine é a instância dona de todo o estado de defesa.
//
// Não há estado global: dois Engines no mesmo processo são independentes.
// Close para o sweeper; depois disso Check e Report continuam funcionando,
// mas a memória deixa de ser recuperada.
type Engine struct {
	settings *infra.Settings
	ledger   *infra.AttemptLedger
	limiter  *infra.RequestRateLimiter
	bans     *infra.BanList
	throttle *infra.EmergencyThrottle
	sweeper  *infra.Sweeper
	gateway  *application.Gateway

	decisions *infra.MemoryStatsStore
	stats     domain.StatsStore

	now    func() time.Time
	logger *zap.Logger
}

type engineOptions struct {
	now        func() time.Time
	logger     *zap.Logger
	stats      []domain.StatsStore
	noSweeper  bool
	extraSweep map[string]infra.Sweepable
}

// EngineOption configura New.
type EngineOption func(*engineOptions)

// WithClock injeta a fonte de tempo em todos os componentes.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger define o logger estruturado. nil mantém zap.NewNop().
func WithLogger(l *zap.Logger) EngineOption {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStatsStore adiciona um destino para os eventos de decisão.
// Stores com I/O (Redis) devem ser embrulhados em infra.NewAsyncStatsStore.
func WithStatsStore(s domain.StatsStore) EngineOption {
	return func(o *engineOptions) {
		if s != nil {
			o.stats = append(o.stats, s)
		}
	}
}

// WithoutSweeper não inicia a limpeza periódica. Sweep pode ser chamado manualmente.
func WithoutSweeper() EngineOption {
	return func(o *engineOptions) { o.noSweeper = true }
}

// WithSweepTarget registra um store extra no sweeper do Engine (ex.: token-buckets da API admin).
func WithSweepTarget(name string, s infra.Sweepable) EngineOption {
	return func(o *engineOptions) {
		if s == nil {
			return
		}
		if o.extraSweep == nil {
			o.extraSweep = make(map[string]infra.Sweepable)
		}
		o.extraSweep[name] = s
	}
}

// New valida a política, monta os componentes e inicia o sweeper.
// Uma política inválida retorna um erro que embrulha domain.ErrInvalidPolicy.
func New(policy domain.Policy, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	settings, err := infra.NewSettings(policy)
	if err != nil {
		return nil, err
	}

	infraOpts := []infra.Option{infra.WithClock(o.now), infra.WithLogger(o.logger)}
	e := &Engine{
		settings:  settings,
		ledger:    infra.NewAttemptLedger(settings, infraOpts...),
		limiter:   infra.NewRequestRateLimiter(settings, infraOpts...),
		bans:      infra.NewBanList(settings, infraOpts...),
		throttle:  infra.NewEmergencyThrottle(settings, infraOpts...),
		sweeper:   infra.NewSweeper(settings, infraOpts...),
		decisions: infra.NewMemoryStatsStore(),
		now:       o.now,
		logger:    o.logger.With(zap.String("component", "engine")),
	}
	e.gateway = &application.Gateway{
		Throttle:  e.throttle,
		Allowlist: settings,
		Bans:      e.bans,
		Limiter:   e.limiter,
		Ledger:    e.ledger,
		Policy:    settings,
		Logger:    o.logger.With(zap.String("component", "gateway")),
	}

	sinks := infra.MultiStatsStore{e.decisions, infra.PrometheusStatsStore{}}
	e.stats = append(sinks, o.stats...)

	e.sweeper.Register("attempts", e.ledger)
	e.sweeper.Register("rate_windows", e.limiter)
	e.sweeper.Register("bans", e.bans)
	for name, s := range o.extraSweep {
		e.sweeper.Register(name, s)
	}
	if !o.noSweeper {
		e.sweeper.Start(context.Background())
	}

	p := settings.Policy()
	e.logger.Info("engine_started",
		zap.Int("max_attempts", p.Lockout.MaxAttempts),
		zap.Int("per_second", p.Rate.PerSecond),
		zap.Int("emergency_threshold", p.Emergency.Threshold),
		zap.Duration("sweep_interval", p.Sweep.Interval),
	)
	return e, nil
}

// Close para o sweeper e espera a goroutine terminar.
func (e *Engine) Close() error {
	e.sweeper.Stop()
	return nil
}

// RequestMeta é opcional e só alimenta as estatísticas.
type RequestMeta struct {
	Method string
	Path   string
}

// Check avalia a requisição (emergência → banimento → rate limit → lockout).
func (e *Engine) Check(req domain.Request) domain.Decision {
	return e.Evaluate(context.Background(), req, RequestMeta{})
}

// Evaluate é Check com contexto e metadados para as estatísticas.
func (e *Engine) Evaluate(ctx context.Context, req domain.Request, meta RequestMeta) domain.Decision {
	dec := e.gateway.Check(req)
	_ = e.stats.Record(ctx, domain.StatsEvent{
		Source:  domain.NewSource(string(req.Source)),
		Allowed: dec.Allowed,
		Reason:  dec.Reason,
		Class:   req.Class,
		Method:  meta.Method,
		Path:    meta.Path,
		At:      e.now(),
	})
	return dec
}

// Report registra o resultado de um login liberado por Check.
func (e *Engine) Report(id domain.Identity, outcome domain.Outcome) {
	e.gateway.Report(id, outcome)
}

// Policy retorna uma cópia da política vigente.
func (e *Engine) Policy() domain.Policy {
	p := *e.settings.Policy()
	p.Rate.Allowlist = append([]string(nil), p.Rate.Allowlist...)
	return p
}

// UpdatePolicy valida e aplica novos limiares sem reiniciar. Em erro nada muda.
func (e *Engine) UpdatePolicy(p domain.Policy) error {
	if err := e.settings.Update(p); err != nil {
		return err
	}
	e.logger.Info("policy_updated",
		zap.Int("max_attempts", p.Lockout.MaxAttempts),
		zap.Int("per_second", p.Rate.PerSecond),
		zap.Int("per_minute", p.Rate.PerMinute),
		zap.Int("per_hour", p.Rate.PerHour),
		zap.Int("emergency_threshold", p.Emergency.Threshold),
	)
	return nil
}

// LockoutStatus retorna o snapshot de tentativas de uma identidade.
func (e *Engine) LockoutStatus(username, source string) domain.AttemptStatus {
	return e.ledger.Status(domain.NewIdentity(username, source))
}

// ClearLockout apaga o registro da identidade. Retorna false se não havia registro.
func (e *Engine) ClearLockout(username, source string) bool {
	id := domain.NewIdentity(username, source)
	tracked := e.ledger.Status(id).Tracked
	e.ledger.RecordSuccess(id)
	if tracked {
		e.logger.Info("lockout_cleared",
			zap.String("username", id.Username),
			zap.String("source", string(id.Source)),
		)
	}
	return tracked
}

// Ban retorna o banimento ativo da origem.
func (e *Engine) Ban(source string) (domain.BanEntry, bool) {
	return e.bans.Get(domain.NewSource(source))
}

// Bans lista os banimentos ativos.
func (e *Engine) Bans() []domain.BanEntry {
	return e.bans.List()
}

// ManualBan bane a origem por d (d <= 0 usa a duração base).
func (e *Engine) ManualBan(source string, d time.Duration, reason string) domain.BanEntry {
	if reason == "" {
		reason = "manual"
	}
	return e.bans.ManualBan(domain.NewSource(source), d, reason)
}

// Unban remove o banimento e o histórico de escalonamento da origem.
func (e *Engine) Unban(source string) bool {
	return e.bans.Unban(domain.NewSource(source))
}

// Sweep executa um ciclo de limpeza imediatamente.
func (e *Engine) Sweep() map[string]infra.SweepResult {
	return e.sweeper.SweepOnce()
}

// Stats é um snapshot do estado do motor para a API administrativa.
type Stats struct {
	TrackedIdentities int              `json:"tracked_identities" yaml:"tracked_identities"`
	TrackedSources    int              `json:"tracked_sources" yaml:"tracked_sources"`
	ActiveBans        int              `json:"active_bans" yaml:"active_bans"`
	Emergency         bool             `json:"emergency" yaml:"emergency"`
	EmergencyRate     int              `json:"emergency_rate" yaml:"emergency_rate"`
	EmergencyUntil    *time.Time       `json:"emergency_until,omitempty" yaml:"emergency_until,omitempty"`
	Decisions         infra.Counters   `json:"decisions" yaml:"decisions"`
	ByReason          map[string]int64 `json:"by_reason" yaml:"by_reason"`
}

// Stats retorna o snapshot atual. Os contadores são aproximados sob concorrência.
func (e *Engine) Stats() Stats {
	active, rate, until := e.throttle.Snapshot()
	st := Stats{
		TrackedIdentities: e.ledger.Len(),
		TrackedSources:    e.limiter.Len(),
		ActiveBans:        len(e.bans.List()),
		Emergency:         active,
		EmergencyRate:     rate,
		Decisions:         e.decisions.Total(),
		ByReason:          make(map[string]int64),
	}
	if active {
		st.EmergencyUntil = &until
	}
	for reason, n := range e.decisions.ByReason() {
		st.ByReason[string(reason)] = n
	}
	return st
}
