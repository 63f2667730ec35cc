package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
)

func smallThrottle(t *testing.T, clk *fakeClock) *EmergencyThrottle {
	s := newTestSettings(t, func(p *domain.Policy) {
		p.Emergency.Threshold = 10
		p.Emergency.Cooldown = 10 * time.Second
		p.Emergency.RecoveryRatio = 0.5
	})
	return NewEmergencyThrottle(s, WithClock(clk.Now))
}

func TestEmergencyThrottle_EntersAboveThreshold(t *testing.T) {
	clk := newFakeClock()
	th := smallThrottle(t, clk)

	for i := 0; i < 10; i++ {
		active, _ := th.OnRequest()
		require.False(t, active)
	}
	active, retry := th.OnRequest()
	require.True(t, active)
	assert.Equal(t, 10*time.Second, retry)
	assert.True(t, th.Active())

	// durante a emergência toda requisição recebe a indicação
	for i := 0; i < 50; i++ {
		active, retry = th.OnRequest()
		assert.True(t, active)
		assert.GreaterOrEqual(t, retry, time.Second)
	}
}

func TestEmergencyThrottle_ExitRequiresCooldownAndRecovery(t *testing.T) {
	clk := newFakeClock()
	th := smallThrottle(t, clk)

	for i := 0; i < 11; i++ {
		th.OnRequest()
	}
	require.True(t, th.Active())

	// carga acima de Threshold × RecoveryRatio durante todo o cooldown e depois dele
	for sec := 1; sec <= 10; sec++ {
		clk.Advance(time.Second)
		for i := 0; i < 8; i++ {
			active, _ := th.OnRequest()
			require.True(t, active, "second %d request %d", sec, i)
		}
	}

	// taxa baixa no segundo atual, mas o segundo anterior ainda conta (8 > 5)
	clk.Advance(time.Second)
	active, _ := th.OnRequest()
	assert.True(t, active)

	// dois segundos seguidos de carga leve
	clk.Advance(time.Second)
	active, _ = th.OnRequest()
	assert.False(t, active)
	assert.False(t, th.Active())
}

func TestEmergencyThrottle_ExitsAfterCooldownWhenIdle(t *testing.T) {
	clk := newFakeClock()
	th := smallThrottle(t, clk)

	for i := 0; i < 11; i++ {
		th.OnRequest()
	}
	clk.Advance(5 * time.Second)
	assert.True(t, th.Active())

	clk.Advance(5 * time.Second)
	assert.False(t, th.Active())
}

func TestEmergencyThrottle_Disabled(t *testing.T) {
	clk := newFakeClock()
	s := newTestSettings(t, func(p *domain.Policy) {
		p.Emergency.Enabled = false
		p.Emergency.Threshold = 1
	})
	th := NewEmergencyThrottle(s, WithClock(clk.Now))

	for i := 0; i < 100; i++ {
		active, _ := th.OnRequest()
		require.False(t, active)
	}
}

func TestEmergencyThrottle_RetryAtLeastOneSecond(t *testing.T) {
	clk := newFakeClock()
	th := smallThrottle(t, clk)

	for i := 0; i < 11; i++ {
		th.OnRequest()
	}
	clk.Advance(9*time.Second + 900*time.Millisecond)
	active, retry := th.OnRequest()
	require.True(t, active)
	assert.Equal(t, time.Second, retry)
}
