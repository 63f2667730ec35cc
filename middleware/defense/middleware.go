package defense

import (
	"net/http"
	"strings"

	"defense-gateway/middleware/defense/domain"
)

// AuthResultHeader permite ao upstream informar explicitamente o resultado do login.
// Valores: "success" ou "failure". O header é removido antes de chegar ao cliente.
const AuthResultHeader = "X-Auth-Result"

type Options struct {
	SourceFn           SourceFunc
	SourceHeader       string
	TrustXForwardedFor bool

	Classifier     Classifier
	UsernameFields []string

	// InferLoginOutcome chama Report a partir da resposta do upstream (modo proxy).
	// Desligado, a aplicação deve chamar Engine.Report depois de validar as credenciais.
	InferLoginOutcome bool
}

// Middleware aplica o Engine a cada requisição e responde 429/503 quando bloqueada.
func Middleware(engine *Engine, opts Options) func(next http.Handler) http.Handler {
	if opts.SourceFn == nil {
		opts.SourceFn = DefaultSourceFunc(opts.SourceHeader, opts.TrustXForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := domain.Request{
				Source: domain.NewSource(opts.SourceFn(r)),
				Class:  opts.Classifier.Classify(r),
			}
			if req.Class == domain.EndpointLogin {
				req.Username = ExtractUsername(r, opts.UsernameFields)
			}

			dec := engine.Evaluate(r.Context(), req, RequestMeta{Method: r.Method, Path: r.URL.Path})
			if !dec.Allowed {
				WriteDenial(w, dec)
				return
			}

			if req.Class != domain.EndpointLogin || !opts.InferLoginOutcome {
				next.ServeHTTP(w, r)
				return
			}

			rec := &outcomeRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if outcome, ok := rec.outcome(); ok {
				engine.Report(req.Identity(), outcome)
			}
		})
	}
}

// InferOutcome traduz a resposta do upstream em um resultado de login.
// O header explícito vence; senão 401/403 é falha e < 400 é sucesso.
// Qualquer outro status (ex.: 5xx, 429) é indeterminado e não é reportado.
func InferOutcome(status int, authResult string) (domain.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(authResult)) {
	case "success":
		return domain.OutcomeSuccess, true
	case "failure":
		return domain.OutcomeFailure, true
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.OutcomeFailure, true
	case status > 0 && status < 400:
		return domain.OutcomeSuccess, true
	default:
		return 0, false
	}
}

// outcomeRecorder captura status e X-Auth-Result sem bufferizar o corpo.
type outcomeRecorder struct {
	http.ResponseWriter
	status     int
	authResult string
}

func (r *outcomeRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		h := r.ResponseWriter.Header()
		r.authResult = h.Get(AuthResultHeader)
		h.Del(AuthResultHeader)
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *outcomeRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *outcomeRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if r.status == 0 {
			r.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (r *outcomeRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *outcomeRecorder) outcome() (domain.Outcome, bool) {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return InferOutcome(status, r.authResult)
}
