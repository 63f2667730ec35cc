package defense

import (
	"net"
	"net/http"
	"strings"
)

// SourceFunc extrai a origem (normalmente o IP do cliente) da requisição.
type SourceFunc func(r *http.Request) string

// DefaultSourceFunc usa, nesta ordem: o header informado, o último IP do
// X-Forwarded-For (só com trustXFF) e o host de RemoteAddr.
//
// O último elemento é o que o proxy imediatamente à frente anexou; os anteriores
// vêm do cliente e não são confiáveis. Só ligue trustXFF atrás de um proxy:
// sem ele o cliente escolhe a própria origem e escapa do rate limit.
func DefaultSourceFunc(header string, trustXFF bool) SourceFunc {
	return func(r *http.Request) string {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				return v
			}
		}

		if trustXFF {
			if ip := lastForwardedIP(r.Header.Values("X-Forwarded-For")); ip != "" {
				return ip
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// lastForwardedIP devolve o último IP válido do X-Forwarded-For (considerando
// headers repetidos). Entradas que não são IP são ignoradas.
func lastForwardedIP(values []string) string {
	for i := len(values) - 1; i >= 0; i-- {
		parts := strings.Split(values[i], ",")
		for j := len(parts) - 1; j >= 0; j-- {
			if ip := net.ParseIP(strings.TrimSpace(parts[j])); ip != nil {
				return ip.String()
			}
		}
	}
	return ""
}
