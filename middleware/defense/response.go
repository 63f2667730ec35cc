package defense

import (
	"encoding/json"
	"net/http"
	"time"

	"defense-gateway/middleware/defense/domain"
)

type denialBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
	Code       string `json:"code"`
}

// mensagens genéricas: nenhum contador ou limiar vaza para o cliente
func denialMessage(code string) string {
	switch code {
	case domain.CodeAccountLocked:
		return "account temporarily locked"
	case domain.CodeServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "too many requests"
	}
}

func denialStatus(dec domain.Decision) int {
	if dec.Code == domain.CodeServiceUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusTooManyRequests
}

// WriteDenial escreve a resposta de bloqueio: status, Retry-After e corpo JSON.
func WriteDenial(w http.ResponseWriter, dec domain.Decision) {
	writeDenial(w, denialStatus(dec), dec.Code, dec.RetryAfter)
}

func writeDenial(w http.ResponseWriter, status int, code string, retry time.Duration) {
	secs := retrySeconds(retry)
	if secs > 0 {
		w.Header().Set("Retry-After", formatInt(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(denialBody{
		Error:      denialMessage(code),
		RetryAfter: secs,
		Code:       code,
	})
}

// writeJSON é usado pela API administrativa.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
