package infra

import (
	"context"
	"sync"

	"defense-gateway/middleware/defense/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// MemoryStatsStore guarda contadores de decisão em memória.
// Alimenta GET /admin/stats e os testes.
//
// Não rastreia origens: a cardinalidade fica limitada a motivos, classes e rotas.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byReason map[domain.Reason]int64
	byClass  map[string]Counters
	byRoute  map[string]Counters

	trackRoutes bool
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackRoutes liga contadores por "METHOD path".
func WithTrackRoutes(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackRoutes = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byReason: make(map[domain.Reason]int64),
		byClass:  make(map[string]Counters),
		byRoute:  make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func bump(c Counters, allowed bool) Counters {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	return c
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonAllow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = bump(s.total, ev.Allowed)
	s.byReason[reason]++
	class := ev.Class.String()
	s.byClass[class] = bump(s.byClass[class], ev.Allowed)
	if s.trackRoutes && (ev.Method != "" || ev.Path != "") {
		route := ev.Method + " " + ev.Path
		s.byRoute[route] = bump(s.byRoute[route], ev.Allowed)
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByReason() map[domain.Reason]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Reason]int64, len(s.byReason))
	for k, v := range s.byReason {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByClass() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byClass))
	for k, v := range s.byClass {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}
