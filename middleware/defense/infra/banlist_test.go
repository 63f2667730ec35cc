package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
)

func TestBanList_EscalationCurve(t *testing.T) {
	clk := newFakeClock()
	b := NewBanList(newTestSettings(t, nil), WithClock(clk.Now))
	src := domain.NewSource("203.0.113.7")

	want := []time.Duration{15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 60 * time.Minute}
	for i, d := range want {
		e := b.Escalate(src, "rate")
		assert.Equal(t, i+1, e.Level)
		assert.Equal(t, d, e.ExpiresAt.Sub(e.BannedAt))
		assert.True(t, e.ExpiresAt.After(e.BannedAt))
		clk.Advance(d + time.Second)
		assert.False(t, b.IsBanned(src), "ban %d must expire", i+1)
	}
}

func TestBanList_ExpiryIsLazy(t *testing.T) {
	clk := newFakeClock()
	b := NewBanList(newTestSettings(t, nil), WithClock(clk.Now))
	src := domain.NewSource("203.0.113.8")

	b.Escalate(src, "rate")
	banned, remaining := b.Check(src)
	require.True(t, banned)
	assert.Equal(t, 15*time.Minute, remaining)

	clk.Advance(15 * time.Minute)
	banned, _ = b.Check(src)
	assert.False(t, banned)
	assert.Equal(t, 0, b.Active())
	assert.Equal(t, 1, b.Level(src), "offense history survives expiry")
}

func TestBanList_RenewalNeverShortens(t *testing.T) {
	clk := newFakeClock()
	s := newTestSettings(t, func(p *domain.Policy) { p.Ban.MaxDuration = 15 * time.Minute })
	b := NewBanList(s, WithClock(clk.Now))
	src := domain.NewSource("203.0.113.9")

	first := b.ManualBan(src, 2*time.Hour, "manual")
	e := b.Escalate(src, "rate")
	assert.Equal(t, first.ExpiresAt, e.ExpiresAt)
}

func TestBanList_EscalateKeepsLongerManualBan(t *testing.T) {
	clk := newFakeClock()
	b := NewBanList(newTestSettings(t, nil), WithClock(clk.Now))
	src := domain.NewSource("203.0.113.10")

	manual := b.ManualBan(src, 2*time.Hour, "abuse report")
	clk.Advance(10 * time.Minute)

	e := b.Escalate(src, "rate_per_minute")
	assert.True(t, e.Manual)
	assert.Equal(t, "abuse report", e.Reason)
	assert.Equal(t, manual.BannedAt, e.BannedAt)
	assert.Equal(t, manual.ExpiresAt, e.ExpiresAt)
	assert.Equal(t, 1, e.Level)

	got, ok := b.Get(src)
	require.True(t, ok)
	assert.True(t, got.Manual)
	assert.Equal(t, "abuse report", got.Reason)

	banned, remaining := b.Check(src)
	assert.True(t, banned)
	assert.Equal(t, 110*time.Minute, remaining)
}

func TestBanList_ManualBanAndUnban(t *testing.T) {
	clk := newFakeClock()
	b := NewBanList(newTestSettings(t, nil), WithClock(clk.Now))
	src := domain.NewSource("198.51.100.1")

	b.Escalate(src, "rate")
	e := b.ManualBan(src, 0, "operator")
	assert.True(t, e.Manual)
	assert.Equal(t, 1, e.Level)
	assert.Equal(t, 15*time.Minute, e.ExpiresAt.Sub(e.BannedAt))

	got, ok := b.Get(src)
	require.True(t, ok)
	assert.Equal(t, "operator", got.Reason)
	assert.Len(t, b.List(), 1)

	assert.True(t, b.Unban(src))
	assert.False(t, b.IsBanned(src))
	assert.Equal(t, 0, b.Level(src))
	assert.False(t, b.Unban(src))

	// histórico limpo: o próximo banimento volta ao nível 1
	assert.Equal(t, 1, b.Escalate(src, "rate").Level)
}

func TestBanList_SweepRemovesExpiredAndIdleHistory(t *testing.T) {
	clk := newFakeClock()
	b := NewBanList(newTestSettings(t, nil), WithClock(clk.Now))
	src := domain.NewSource("198.51.100.2")

	b.Escalate(src, "rate")
	clk.Advance(16 * time.Minute)
	res := b.Sweep()
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, b.Len(), "history kept")

	clk.Advance(2 * time.Hour)
	res = b.Sweep()
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0, b.Len())
}
