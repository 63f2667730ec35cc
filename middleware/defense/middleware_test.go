package defense

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defense-gateway/middleware/defense/domain"
)

func loginRequest(user, pass string) *http.Request {
	form := url.Values{"username": {user}, "password": {pass}}
	r := httptest.NewRequest(http.MethodPost, "http://example/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.RemoteAddr = "1.2.3.4:5555"
	return r
}

// fakeBackend devolve 401 para senha errada e 302 para a certa, como um back office típico.
func fakeBackend(t *testing.T, seenUser *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if seenUser != nil {
			*seenUser = r.PostForm.Get("username")
		}
		if r.PostForm.Get("password") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Location", "/dashboard")
		w.WriteHeader(http.StatusFound)
	})
}

func TestMiddleware_LocksAfterFailedProxiedLogins(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)

	var seen string
	h := Middleware(e, Options{InferLoginOutcome: true})(fakeBackend(t, &seen))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, loginRequest("Alice", "wrong"))
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}
	assert.Equal(t, "Alice", seen, "body must reach the upstream intact")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, loginRequest("alice", "s3cret"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body denialBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, domain.CodeAccountLocked, body.Code)
	assert.Equal(t, 900, body.RetryAfter)
	assert.NotContains(t, body.Error, "5")
}

func TestMiddleware_SuccessfulLoginResetsAttempts(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)
	h := Middleware(e, Options{InferLoginOutcome: true})(fakeBackend(t, nil))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), loginRequest("bob", "wrong"))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, loginRequest("bob", "s3cret"))
	require.Equal(t, http.StatusFound, w.Code)

	assert.False(t, e.LockoutStatus("bob", "1.2.3.4").Tracked)
}

func TestMiddleware_AuthResultHeaderWinsAndIsStripped(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)

	// o upstream responde 200 com a página de erro, mas avisa pelo header
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(AuthResultHeader, "failure")
		_, _ = io.WriteString(w, "invalid credentials")
	})
	h := Middleware(e, Options{InferLoginOutcome: true})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, loginRequest("carol", "x"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(AuthResultHeader))
	assert.Equal(t, 1, e.LockoutStatus("carol", "1.2.3.4").Attempts)
}

func TestMiddleware_IndeterminateOutcomeNotReported(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := Middleware(e, Options{InferLoginOutcome: true})(next)
	h.ServeHTTP(httptest.NewRecorder(), loginRequest("dave", "x"))

	assert.False(t, e.LockoutStatus("dave", "1.2.3.4").Tracked)
}

func TestMiddleware_RateLimitReturnsJSON429(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(e, Options{})(next)

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/skus", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, r)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
	assert.Equal(t, 10, calls)

	var body denialBody
	require.NoError(t, json.NewDecoder(last.Body).Decode(&body))
	assert.Equal(t, domain.CodeIPRateLimited, body.Code)
}

func TestMiddleware_EmergencyKeepsHealthUp(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, clk, func(p *domain.Policy) { p.Emergency.Threshold = 5 })
	h := Middleware(e, Options{TrustXForwardedFor: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 6; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/skus", nil)
		r.Header.Set("X-Forwarded-For", "10.9.0."+formatInt(i))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/reports", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClassifier(t *testing.T) {
	c := Classifier{}
	cases := []struct {
		method, path string
		want         domain.EndpointClass
	}{
		{http.MethodPost, "/login", domain.EndpointLogin},
		{http.MethodPost, "/api/login/", domain.EndpointLogin},
		{http.MethodGet, "/login", domain.EndpointAPI},
		{http.MethodGet, "/healthz", domain.EndpointHealth},
		{http.MethodPost, "/healthz", domain.EndpointAPI},
		{http.MethodGet, "/invoices", domain.EndpointAPI},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, "http://example"+tc.path, nil)
		assert.Equal(t, tc.want, c.Classify(r), "%s %s", tc.method, tc.path)
	}

	custom := Classifier{LoginPaths: []string{"/entrar"}}
	r := httptest.NewRequest(http.MethodPost, "http://example/entrar", nil)
	assert.Equal(t, domain.EndpointLogin, custom.Classify(r))
}

func TestExtractUsername_JSONBodyRestored(t *testing.T) {
	body := `{"email":"Retail@Example.com","password":"x"}`
	r := httptest.NewRequest(http.MethodPost, "http://example/login", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	assert.Equal(t, "Retail@Example.com", ExtractUsername(r, nil))

	rest, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(rest))
}

func TestExtractUsername_MissingField(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example/login", strings.NewReader("password=x"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, "", ExtractUsername(r, nil))
}

func TestInferOutcome(t *testing.T) {
	cases := []struct {
		status int
		header string
		want   domain.Outcome
		ok     bool
	}{
		{http.StatusOK, "", domain.OutcomeSuccess, true},
		{http.StatusFound, "", domain.OutcomeSuccess, true},
		{http.StatusUnauthorized, "", domain.OutcomeFailure, true},
		{http.StatusForbidden, "", domain.OutcomeFailure, true},
		{http.StatusOK, "failure", domain.OutcomeFailure, true},
		{http.StatusUnauthorized, "Success", domain.OutcomeSuccess, true},
		{http.StatusInternalServerError, "", 0, false},
		{http.StatusBadRequest, "", 0, false},
	}
	for _, tc := range cases {
		got, ok := InferOutcome(tc.status, tc.header)
		assert.Equal(t, tc.ok, ok, "status %d header %q", tc.status, tc.header)
		if tc.ok {
			assert.Equal(t, tc.want, got, "status %d header %q", tc.status, tc.header)
		}
	}
}
