package defense

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
	"defense-gateway/middleware/defense/infra"
)

const testToken = "t0ken"

func newAdminServer(t *testing.T, e *Engine, buckets *infra.TokenBuckets) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	require.True(t, MountAdmin(r, e, AdminOptions{Token: testToken, Buckets: buckets}))
	return r
}

func adminDo(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMountAdmin_DisabledWithoutToken(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	assert.False(t, MountAdmin(chi.NewRouter(), e, AdminOptions{}))
}

func TestAdmin_RequiresBearerToken(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, nil)

	r := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_RateLimited(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, infra.NewTokenBuckets(0.01, 2))

	assert.Equal(t, http.StatusOK, adminDo(t, h, http.MethodGet, "/admin/stats", "").Code)
	assert.Equal(t, http.StatusOK, adminDo(t, h, http.MethodGet, "/admin/stats", "").Code)
	w := adminDo(t, h, http.MethodGet, "/admin/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestAdmin_LockoutInspectAndClear(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, nil)
	id := domain.NewIdentity("alice", "1.2.3.4")
	for i := 0; i < 5; i++ {
		e.Report(id, domain.OutcomeFailure)
	}

	assert.Equal(t, http.StatusBadRequest, adminDo(t, h, http.MethodGet, "/admin/lockouts?username=alice", "").Code)

	w := adminDo(t, h, http.MethodGet, "/admin/lockouts?username=alice&source=1.2.3.4", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view LockoutView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.True(t, view.Locked)
	assert.Equal(t, 900, view.RetryAfter)
	assert.Equal(t, 1, view.LockoutCount)

	w = adminDo(t, h, http.MethodDelete, "/admin/lockouts?username=alice&source=1.2.3.4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":true}`, w.Body.String())
	assert.False(t, e.LockoutStatus("alice", "1.2.3.4").Tracked)
}

func TestAdmin_BanLifecycle(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, nil)

	assert.Equal(t, http.StatusNotFound, adminDo(t, h, http.MethodGet, "/admin/bans/10.0.0.9", "").Code)
	assert.Equal(t, http.StatusBadRequest, adminDo(t, h, http.MethodPut, "/admin/bans/10.0.0.9", `{"duration":"soon"}`).Code)

	w := adminDo(t, h, http.MethodPut, "/admin/bans/10.0.0.9", `{"duration":"45m","reason":"scraping"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var entry domain.BanEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entry))
	assert.True(t, entry.Manual)
	assert.Equal(t, 45*time.Minute, entry.ExpiresAt.Sub(entry.BannedAt))

	assert.Equal(t, domain.ReasonBanned, e.Check(domain.Request{Source: "10.0.0.9"}).Reason)

	w = adminDo(t, h, http.MethodGet, "/admin/bans", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []domain.BanEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)

	w = adminDo(t, h, http.MethodDelete, "/admin/bans/10.0.0.9", "")
	assert.JSONEq(t, `{"removed":true}`, w.Body.String())
	assert.True(t, e.Check(domain.Request{Source: "10.0.0.9"}).Allowed)
}

func TestAdmin_Thresholds(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, nil)

	w := adminDo(t, h, http.MethodGet, "/admin/thresholds", "")
	require.Equal(t, http.StatusOK, w.Code)
	var doc PolicyDocument
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, 5, doc.Lockout.MaxAttempts)
	assert.Equal(t, "15m0s", doc.Lockout.BaseDuration)

	doc.Lockout.MaxAttempts = 3
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	w = adminDo(t, h, http.MethodPut, "/admin/thresholds", string(raw))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, e.Policy().Lockout.MaxAttempts)

	doc.Emergency.Cooldown = "2m"
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	w = adminDo(t, h, http.MethodPut, "/admin/thresholds", string(raw))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cooldown")
	assert.Equal(t, 15*time.Second, e.Policy().Emergency.Cooldown)
}

func TestAdmin_Stats(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	h := newAdminServer(t, e, nil)
	e.Check(domain.Request{Source: "10.0.0.1"})

	w := adminDo(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, 1, st.TrackedSources)
	assert.Equal(t, int64(1), st.Decisions.Allowed)
}

func TestAdmin_MetricsBehindToken(t *testing.T) {
	e := newTestEngine(t, newFakeClock(), nil)
	r := chi.NewRouter()
	require.True(t, MountAdmin(r, e, AdminOptions{
		Token: testToken,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("defense_decisions_total 1\n"))
		}),
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = adminDo(t, r, http.MethodGet, "/admin/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "defense_decisions_total")

	// sem Metrics a rota não existe
	w = adminDo(t, newAdminServer(t, e, nil), http.MethodGet, "/admin/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
