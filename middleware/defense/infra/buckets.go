package infra

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBuckets é um cache de token-buckets (x/time/rate) por chave com limpeza de ociosos.
// Protege superfícies pequenas, como a API administrativa, onde um burst simples basta.
type TokenBuckets struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// BucketOption configura TokenBuckets.
type BucketOption func(*TokenBuckets)

// WithIdleTTL define depois de quanto tempo sem uso a chave é descartada.
func WithIdleTTL(d time.Duration) BucketOption {
	return func(b *TokenBuckets) {
		if d > 0 {
			b.idleTTL = d
		}
	}
}

// WithBucketClock injeta a fonte de tempo.
func WithBucketClock(now func() time.Time) BucketOption {
	return func(b *TokenBuckets) {
		if now != nil {
			b.now = now
		}
	}
}

func NewTokenBuckets(rps float64, burst int, opts ...BucketOption) *TokenBuckets {
	if burst < 1 {
		burst = 1
	}
	b := &TokenBuckets{
		entries: make(map[string]*bucketEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *TokenBuckets) RPS() float64 { return float64(b.rps) }
func (b *TokenBuckets) Burst() int   { return b.burst }

// Allow consome um token da chave. Se não houver, retorna o tempo até o próximo.
func (b *TokenBuckets) Allow(key string) (bool, time.Duration) {
	now := b.now()
	lim := b.get(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

func (b *TokenBuckets) get(key string, now time.Time) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ent, ok := b.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(b.rps, b.burst)
	b.entries[key] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}

// Sweep implementa Sweepable.
func (b *TokenBuckets) Sweep() SweepResult {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
			removed++
		}
	}
	return SweepResult{Removed: removed}
}

// Len implementa Sweepable.
func (b *TokenBuckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
