package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
)

type fakeThrottle struct {
	on    bool
	retry time.Duration
	panic bool
}

func (f *fakeThrottle) OnRequest() (bool, time.Duration) {
	if f.panic {
		panic("throttle exploded")
	}
	return f.on, f.retry
}

func (f *fakeThrottle) Active() bool { return f.on }

type fakeBans struct {
	banned    map[domain.Source]time.Duration
	escalated []domain.Source
	panic     bool
}

func (f *fakeBans) Check(src domain.Source) (bool, time.Duration) {
	if f.panic {
		panic("ban list exploded")
	}
	d, ok := f.banned[src]
	return ok, d
}

func (f *fakeBans) IsBanned(src domain.Source) bool {
	ok, _ := f.Check(src)
	return ok
}

func (f *fakeBans) Escalate(src domain.Source, reason string) domain.BanEntry {
	f.escalated = append(f.escalated, src)
	if f.banned == nil {
		f.banned = map[domain.Source]time.Duration{}
	}
	if _, ok := f.banned[src]; !ok {
		f.banned[src] = 15 * time.Minute
	}
	now := time.Now()
	return domain.BanEntry{Source: src, BannedAt: now, ExpiresAt: now.Add(15 * time.Minute), Level: 1, Reason: reason}
}

func (f *fakeBans) ManualBan(src domain.Source, d time.Duration, reason string) domain.BanEntry {
	return domain.BanEntry{}
}

func (f *fakeBans) Unban(domain.Source) bool { return false }

func (f *fakeBans) Get(domain.Source) (domain.BanEntry, bool) { return domain.BanEntry{}, false }

type fakeLimiter struct {
	res   domain.RateResult
	calls int
	panic bool
}

func (f *fakeLimiter) CheckAndIncrement(domain.Source) domain.RateResult {
	f.calls++
	if f.panic {
		panic("limiter exploded")
	}
	return f.res
}

type fakeLedger struct {
	locked    bool
	panic     bool
	failures  []domain.Identity
	successes []domain.Identity
}

func (f *fakeLedger) RecordFailure(id domain.Identity) domain.FailureResult {
	if f.panic {
		panic("ledger exploded")
	}
	f.failures = append(f.failures, id)
	return domain.FailureResult{}
}

func (f *fakeLedger) RecordSuccess(id domain.Identity) { f.successes = append(f.successes, id) }

func (f *fakeLedger) IsLocked(domain.Identity) domain.LockStatus {
	if f.panic {
		panic("ledger exploded")
	}
	if f.locked {
		return domain.LockStatus{Locked: true, Remaining: 10 * time.Minute}
	}
	return domain.LockStatus{}
}

func (f *fakeLedger) Status(id domain.Identity) domain.AttemptStatus {
	return domain.AttemptStatus{Identity: id}
}

type allowAll struct{}

func (allowAll) Contains(domain.Source) bool { return true }

type policyStub struct{ p domain.Policy }

func (s policyStub) Policy() *domain.Policy { return &s.p }

func loginReq() domain.Request {
	return domain.Request{Source: "1.2.3.4", Username: "alice", Class: domain.EndpointLogin}
}

func TestGateway_AllowsWhenNothingConfigured(t *testing.T) {
	g := &Gateway{}
	dec := g.Check(loginReq())
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ReasonAllow, dec.Reason)
}

func TestGateway_EmergencyDeniesAllButHealth(t *testing.T) {
	g := &Gateway{Throttle: &fakeThrottle{on: true, retry: 12 * time.Second}}

	dec := g.Check(domain.Request{Source: "1.2.3.4", Class: domain.EndpointAPI})
	require.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonEmergency, dec.Reason)
	assert.Equal(t, domain.CodeServiceUnavailable, dec.Code)
	assert.Equal(t, 12*time.Second, dec.RetryAfter)

	assert.True(t, g.Check(domain.Request{Source: "1.2.3.4", Class: domain.EndpointHealth}).Allowed)
}

func TestGateway_OrderShortCircuits(t *testing.T) {
	lim := &fakeLimiter{res: domain.RateResult{Limited: true, RetryAfter: time.Second}}
	g := &Gateway{
		Bans:    &fakeBans{banned: map[domain.Source]time.Duration{"1.2.3.4": 5 * time.Minute}},
		Limiter: lim,
		Ledger:  &fakeLedger{locked: true},
	}

	dec := g.Check(loginReq())
	require.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonBanned, dec.Reason)
	assert.Equal(t, domain.CodeIPRateLimited, dec.Code)
	assert.Equal(t, 0, lim.calls, "banned source must not reach the limiter")
}

func TestGateway_RateLimitedBeforeLockout(t *testing.T) {
	g := &Gateway{
		Limiter: &fakeLimiter{res: domain.RateResult{Limited: true, RetryAfter: 3 * time.Second}},
		Ledger:  &fakeLedger{locked: true},
	}
	dec := g.Check(loginReq())
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
	assert.Equal(t, domain.CodeIPRateLimited, dec.Code)
	assert.Equal(t, 3*time.Second, dec.RetryAfter)
}

func TestGateway_EscalationBansSource(t *testing.T) {
	bans := &fakeBans{}
	g := &Gateway{Bans: bans, Limiter: &fakeLimiter{res: domain.RateResult{Escalate: true}}}

	dec := g.Check(domain.Request{Source: "9.9.9.9", Class: domain.EndpointAPI})
	require.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonBanned, dec.Reason)
	assert.Equal(t, 15*time.Minute, dec.RetryAfter)
	assert.Equal(t, []domain.Source{"9.9.9.9"}, bans.escalated)
}

func TestGateway_LockoutOnlyOnLoginEndpoints(t *testing.T) {
	g := &Gateway{Ledger: &fakeLedger{locked: true}}

	dec := g.Check(loginReq())
	require.False(t, dec.Allowed)
	assert.Equal(t, domain.CodeAccountLocked, dec.Code)
	assert.Equal(t, 10*time.Minute, dec.RetryAfter)

	assert.True(t, g.Check(domain.Request{Source: "1.2.3.4", Class: domain.EndpointAPI}).Allowed)
}

func TestGateway_AllowlistSkipsBanAndRateButNotLockout(t *testing.T) {
	lim := &fakeLimiter{res: domain.RateResult{Limited: true}}
	g := &Gateway{
		Allowlist: allowAll{},
		Bans:      &fakeBans{banned: map[domain.Source]time.Duration{"1.2.3.4": time.Minute}},
		Limiter:   lim,
		Ledger:    &fakeLedger{locked: true},
	}

	assert.True(t, g.Check(domain.Request{Source: "1.2.3.4", Class: domain.EndpointAPI}).Allowed)
	assert.Equal(t, 0, lim.calls)
	assert.Equal(t, domain.ReasonLocked, g.Check(loginReq()).Reason)
}

func TestGateway_PanicsFailOpenForTraffic(t *testing.T) {
	g := &Gateway{
		Throttle: &fakeThrottle{panic: true},
		Bans:     &fakeBans{panic: true},
		Limiter:  &fakeLimiter{panic: true},
	}
	dec := g.Check(domain.Request{Source: "1.2.3.4", Class: domain.EndpointAPI})
	assert.True(t, dec.Allowed)
}

func TestGateway_PanicFailsClosedForLockout(t *testing.T) {
	p := domain.DefaultPolicy()
	p.Lockout.BaseDuration = 7 * time.Minute
	p.Lockout.MaxDuration = time.Hour
	g := &Gateway{Ledger: &fakeLedger{panic: true}, Policy: policyStub{p: p}}

	dec := g.Check(loginReq())
	require.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonLocked, dec.Reason)
	assert.Equal(t, 7*time.Minute, dec.RetryAfter)

	// Report não propaga o pânico
	assert.NotPanics(t, func() { g.Report(loginReq().Identity(), domain.OutcomeFailure) })
}

func TestGateway_ReportRoutesOutcome(t *testing.T) {
	ledger := &fakeLedger{}
	g := &Gateway{Ledger: ledger}
	id := domain.NewIdentity("Alice", "1.2.3.4")

	g.Report(id, domain.OutcomeFailure)
	g.Report(id, domain.OutcomeSuccess)

	require.Len(t, ledger.failures, 1)
	assert.Equal(t, "alice", ledger.failures[0].Username)
	assert.Len(t, ledger.successes, 1)
}

type blockingPool struct{}

func (blockingPool) Acquire(ctx context.Context) (func(), bool) {
	<-ctx.Done()
	return nil, false
}

type immediatePool struct{ acquired int }

func (p *immediatePool) Acquire(context.Context) (func(), bool) {
	p.acquired++
	return func() {}, true
}

func TestAdmission_AllowsWhenNoPool(t *testing.T) {
	release, ok := Admission{}.Acquire(context.Background())
	require.True(t, ok)
	release()
}

func TestAdmission_UsesTimeout(t *testing.T) {
	a := Admission{Pool: blockingPool{}, AcquireTimeout: 10 * time.Millisecond}
	_, ok := a.Acquire(context.Background())
	assert.False(t, ok)
}

func TestAdmission_NoTimeoutDelegatesToPool(t *testing.T) {
	pool := &immediatePool{}
	_, ok := Admission{Pool: pool}.Acquire(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, pool.acquired)
}
