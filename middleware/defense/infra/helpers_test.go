package infra

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
)

// fakeClock é um relógio manual seguro para uso concorrente.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSettings(t *testing.T, mutate func(p *domain.Policy)) *Settings {
	t.Helper()
	p := domain.DefaultPolicy()
	if mutate != nil {
		mutate(&p)
	}
	s, err := NewSettings(p)
	require.NoError(t, err)
	return s
}
