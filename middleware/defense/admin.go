package defense

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"defense-gateway/internal/metrics"
	"defense-gateway/middleware/defense/domain"
	"defense-gateway/middleware/defense/infra"
)

type AdminOptions struct {
	// Token é exigido como "Authorization: Bearer <token>". Vazio desliga a API.
	Token string
	// Buckets limita as chamadas por origem. nil usa 5 req/s com burst 10.
	Buckets  *infra.TokenBuckets
	SourceFn SourceFunc
	Logger   *zap.Logger
	// Metrics, se presente, é servido em GET /admin/metrics atrás do mesmo token.
	Metrics http.Handler
}

// BanRequest é o corpo de PUT /admin/bans/{source}.
type BanRequest struct {
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

type adminAPI struct {
	engine *Engine
	opts   AdminOptions
	logger *zap.Logger
}

// MountAdmin registra a API administrativa em /admin. Com Token vazio nada é registrado.
//
//	GET|DELETE /admin/lockouts?username=&source=
//	GET        /admin/bans
//	GET|PUT|DELETE /admin/bans/{source}
//	GET|PUT    /admin/thresholds
//	GET        /admin/stats
//	GET        /admin/metrics (com Metrics)
func MountAdmin(r chi.Router, engine *Engine, opts AdminOptions) bool {
	if strings.TrimSpace(opts.Token) == "" {
		return false
	}
	if opts.Buckets == nil {
		opts.Buckets = infra.NewTokenBuckets(5, 10)
	}
	if opts.SourceFn == nil {
		opts.SourceFn = DefaultSourceFunc("", false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &adminAPI{engine: engine, opts: opts, logger: logger.With(zap.String("component", "admin_api"))}

	r.Route("/admin", func(r chi.Router) {
		r.Use(api.instrument, api.limit, api.auth)

		r.Get("/lockouts", api.getLockout)
		r.Delete("/lockouts", api.clearLockout)

		r.Get("/bans", api.listBans)
		r.Get("/bans/{source}", api.getBan)
		r.Put("/bans/{source}", api.putBan)
		r.Delete("/bans/{source}", api.deleteBan)

		r.Get("/thresholds", api.getThresholds)
		r.Put("/thresholds", api.putThresholds)

		r.Get("/stats", api.stats)
		if opts.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", opts.Metrics)
		}
	})
	return true
}

type adminError struct {
	Error string `json:"error"`
}

func (a *adminAPI) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = r.Method + " " + p
			}
		}
		metrics.AdminRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

func (a *adminAPI) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := a.opts.Buckets.Allow(a.opts.SourceFn(r))
		if !ok {
			writeDenial(w, http.StatusTooManyRequests, domain.CodeIPRateLimited, max(wait, time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminAPI) auth(next http.Handler) http.Handler {
	want := []byte("Bearer " + a.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, adminError{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityParams(r *http.Request) (username, source string, ok bool) {
	q := r.URL.Query()
	username = strings.TrimSpace(q.Get("username"))
	source = strings.TrimSpace(q.Get("source"))
	return username, source, username != "" && source != ""
}

// LockoutView é a resposta de GET /admin/lockouts.
type LockoutView struct {
	Username      string     `json:"username"`
	Source        string     `json:"source"`
	Tracked       bool       `json:"tracked"`
	Attempts      int        `json:"attempts"`
	LockoutCount  int        `json:"lockout_count"`
	Locked        bool       `json:"locked"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
	RetryAfter    int        `json:"retry_after"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

func newLockoutView(st domain.AttemptStatus) LockoutView {
	v := LockoutView{
		Username:     st.Identity.Username,
		Source:       string(st.Identity.Source),
		Tracked:      st.Tracked,
		Attempts:     st.Attempts,
		LockoutCount: st.LockoutCount,
		Locked:       st.Locked,
		RetryAfter:   retrySeconds(st.Remaining),
	}
	if st.Locked {
		until := st.LockedUntil
		v.LockedUntil = &until
	}
	if !st.LastAttemptAt.IsZero() {
		last := st.LastAttemptAt
		v.LastAttemptAt = &last
	}
	return v
}

func (a *adminAPI) getLockout(w http.ResponseWriter, r *http.Request) {
	username, source, ok := identityParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "username and source are required"})
		return
	}
	writeJSON(w, http.StatusOK, newLockoutView(a.engine.LockoutStatus(username, source)))
}

func (a *adminAPI) clearLockout(w http.ResponseWriter, r *http.Request) {
	username, source, ok := identityParams(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "username and source are required"})
		return
	}
	cleared := a.engine.ClearLockout(username, source)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (a *adminAPI) listBans(w http.ResponseWriter, _ *http.Request) {
	bans := a.engine.Bans()
	if bans == nil {
		bans = []domain.BanEntry{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (a *adminAPI) getBan(w http.ResponseWriter, r *http.Request) {
	entry, ok := a.engine.Ban(chi.URLParam(r, "source"))
	if !ok {
		writeJSON(w, http.StatusNotFound, adminError{Error: "not banned"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *adminAPI) putBan(w http.ResponseWriter, r *http.Request) {
	var body BanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid JSON body"})
			return
		}
	}
	var d time.Duration
	if body.Duration != "" {
		parsed, err := time.ParseDuration(body.Duration)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid duration"})
			return
		}
		d = parsed
	}
	source := chi.URLParam(r, "source")
	entry := a.engine.ManualBan(source, d, body.Reason)
	a.logger.Info("admin_ban", zap.String("source", string(entry.Source)), zap.Time("expires_at", entry.ExpiresAt))
	writeJSON(w, http.StatusOK, entry)
}

func (a *adminAPI) deleteBan(w http.ResponseWriter, r *http.Request) {
	removed := a.engine.Unban(chi.URLParam(r, "source"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *adminAPI) getThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewPolicyDocument(a.engine.Policy()))
}

func (a *adminAPI) putThresholds(w http.ResponseWriter, r *http.Request) {
	var doc PolicyDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid JSON body"})
		return
	}
	p, err := doc.Policy()
	if err == nil {
		err = a.engine.UpdatePolicy(p)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidPolicy) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, adminError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, NewPolicyDocument(a.engine.Policy()))
}

func (a *adminAPI) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Stats())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
