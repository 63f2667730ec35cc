package defense

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"defense-gateway/middleware/defense/domain"
)

const maxLoginBody = 64 << 10

var (
	defaultLoginPaths     = []string{"/login", "/api/login", "/auth/login"}
	defaultHealthPaths    = []string{"/healthz", "/health"}
	defaultUsernameFields = []string{"username", "email", "login"}
)

// Classifier decide a EndpointClass de uma requisição.
//
// Login é sempre POST em um dos LoginPaths; um GET na página de login é API comum.
type Classifier struct {
	LoginPaths  []string
	HealthPaths []string
}

func (c Classifier) Classify(r *http.Request) domain.EndpointClass {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}
	if r.Method == http.MethodPost && matchPath(path, c.loginPaths()) {
		return domain.EndpointLogin
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && matchPath(path, c.healthPaths()) {
		return domain.EndpointHealth
	}
	return domain.EndpointAPI
}

func (c Classifier) loginPaths() []string {
	if c.LoginPaths == nil {
		return defaultLoginPaths
	}
	return c.LoginPaths
}

func (c Classifier) healthPaths() []string {
	if c.HealthPaths == nil {
		return defaultHealthPaths
	}
	return c.HealthPaths
}

func matchPath(path string, candidates []string) bool {
	for _, p := range candidates {
		if strings.EqualFold(path, strings.TrimSuffix(p, "/")) {
			return true
		}
	}
	return false
}

// ExtractUsername lê o usuário do corpo de um login (form ou JSON) sem consumi-lo:
// o corpo é restaurado para o próximo handler. Retorna "" se não encontrar.
func ExtractUsername(r *http.Request, fields []string) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if len(fields) == 0 {
		fields = defaultUsernameFields
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
	// o restante (corpo acima do limite) continua disponível para o upstream
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil || len(buf) == 0 {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return usernameFromJSON(buf, fields)
	case "application/x-www-form-urlencoded":
		return usernameFromForm(buf, fields)
	default:
		if u := usernameFromJSON(buf, fields); u != "" {
			return u
		}
		return usernameFromForm(buf, fields)
	}
}

func usernameFromJSON(buf []byte, fields []string) string {
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return ""
	}
	for _, f := range fields {
		if v, ok := m[f].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func usernameFromForm(buf []byte, fields []string) string {
	values, err := url.ParseQuery(string(buf))
	if err != nil {
		return ""
	}
	for _, f := range fields {
		if v := values.Get(f); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type readCloser struct {
	io.Reader
	io.Closer
}
