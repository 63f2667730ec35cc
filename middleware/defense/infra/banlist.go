package infra

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
)

// offense sobrevive ao fim do banimento para que o próximo seja mais longo.
type offense struct {
	Level     int
	LastBanAt time.Time
}

// BanList implementa domain.BanList em memória.
//
// Um banimento só termina ao expirar (ou por Unban): bom comportamento durante o
// banimento não o encurta.
type BanList struct {
	settings *Settings
	now      func() time.Time
	logger   *zap.Logger
	bans     *table[domain.Source, domain.BanEntry]
	offenses *table[domain.Source, offense]
}

var _ domain.BanList = (*BanList)(nil)

// NewBanList cria a lista usando a política de ban de settings.
func NewBanList(settings *Settings, opts ...Option) *BanList {
	o := buildOptions(opts)
	return &BanList{
		settings: settings,
		now:      o.now,
		logger:   o.logger.With(zap.String("component", "ban_list")),
		bans:     newTable[domain.Source, domain.BanEntry](),
		offenses: newTable[domain.Source, offense](),
	}
}

func (b *BanList) duration(level int) time.Duration {
	d := b.settings.Policy().Ban.Duration(level)
	if d <= 0 {
		d = domain.DefaultPolicy().Ban.BaseDuration
	}
	return d
}

// Check informa se a origem está banida e quanto falta. Entradas vencidas são apagadas.
func (b *BanList) Check(src domain.Source) (bool, time.Duration) {
	now := b.now()
	var remaining time.Duration
	banned := false

	b.bans.modify(src, func(e *domain.BanEntry) bool {
		if !e.ExpiresAt.After(e.BannedAt) || !now.Before(e.ExpiresAt) {
			return true
		}
		banned = true
		remaining = e.ExpiresAt.Sub(now)
		return false
	})
	return banned, remaining
}

// IsBanned é Check sem o tempo restante.
func (b *BanList) IsBanned(src domain.Source) bool {
	banned, _ := b.Check(src)
	return banned
}

// Escalate cria ou renova o banimento subindo o nível de escalonamento da origem.
// Uma renovação nunca encurta um banimento ativo.
func (b *BanList) Escalate(src domain.Source, reason string) domain.BanEntry {
	now := b.now()

	level := 0
	b.offenses.update(src, func(o *offense) {
		if o.Level < 0 {
			o.Level = 0
		}
		o.Level++
		o.LastBanAt = now
		level = o.Level
	})

	d := b.duration(level)
	var entry domain.BanEntry
	b.bans.update(src, func(e *domain.BanEntry) {
		expires := now.Add(d)
		if now.Before(e.ExpiresAt) && e.ExpiresAt.After(expires) {
			// o banimento atual dura mais: mantém origem, motivo e flag manual
			e.Level = level
			entry = *e
			return
		}
		*e = domain.BanEntry{
			Source:    src,
			BannedAt:  now,
			ExpiresAt: expires,
			Level:     level,
			Reason:    reason,
		}
		entry = *e
	})

	metrics.Bans.WithLabelValues("auto").Inc()
	b.logger.Warn("ban_issued",
		zap.String("source", string(src)),
		zap.String("reason", reason),
		zap.Int("level", level),
		zap.Duration("duration", entry.ExpiresAt.Sub(now)),
	)
	return entry
}

// ManualBan aplica um banimento administrativo. d <= 0 usa a duração base.
// O nível de escalonamento da origem não muda.
func (b *BanList) ManualBan(src domain.Source, d time.Duration, reason string) domain.BanEntry {
	now := b.now()
	if d <= 0 {
		d = b.duration(1)
	}

	level := 0
	if o, ok := b.offenses.view(src); ok {
		level = o.Level
	}

	entry := domain.BanEntry{
		Source:    src,
		BannedAt:  now,
		ExpiresAt: now.Add(d),
		Level:     level,
		Reason:    reason,
		Manual:    true,
	}
	b.bans.update(src, func(e *domain.BanEntry) { *e = entry })

	metrics.Bans.WithLabelValues("manual").Inc()
	b.logger.Warn("ban_issued",
		zap.String("source", string(src)),
		zap.String("reason", reason),
		zap.Bool("manual", true),
		zap.Duration("duration", d),
	)
	return entry
}

// Unban remove o banimento e o histórico de escalonamento da origem.
func (b *BanList) Unban(src domain.Source) bool {
	removed := b.bans.remove(src)
	b.offenses.remove(src)
	if removed {
		b.logger.Info("ban_lifted", zap.String("source", string(src)))
	}
	return removed
}

// Get retorna o banimento ativo sem alterá-lo.
func (b *BanList) Get(src domain.Source) (domain.BanEntry, bool) {
	e, ok := b.bans.view(src)
	if !ok || !b.now().Before(e.ExpiresAt) {
		return domain.BanEntry{}, false
	}
	return e, true
}

// Level retorna o nível de escalonamento atual da origem (0 se nunca banida).
func (b *BanList) Level(src domain.Source) int {
	o, _ := b.offenses.view(src)
	return o.Level
}

// List retorna os banimentos ativos ordenados pela expiração.
func (b *BanList) List() []domain.BanEntry {
	now := b.now()
	var out []domain.BanEntry
	b.bans.each(func(_ domain.Source, e domain.BanEntry) {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Sweep apaga banimentos vencidos e históricos ociosos.
func (b *BanList) Sweep() SweepResult {
	now := b.now()
	retention := b.settings.Policy().OffenseRetention()

	r1, d1 := b.bans.sweep(func(e *domain.BanEntry) bool {
		return !now.Before(e.ExpiresAt)
	})
	r2, d2 := b.offenses.sweep(func(o *offense) bool {
		return now.Sub(o.LastBanAt) > retention
	})
	return SweepResult{Removed: r1 + r2, Deferred: d1 + d2}
}

// Len retorna o número de entradas mantidas (banimentos + históricos).
func (b *BanList) Len() int {
	return b.bans.len() + b.offenses.len()
}

// Active retorna o número de banimentos ainda no mapa (pode incluir vencidos ainda não varridos).
func (b *BanList) Active() int {
	return b.bans.len()
}
