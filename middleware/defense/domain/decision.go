package domain

import "time"

// EndpointClass classifica o endpoint para o gateway de decisão.
type EndpointClass int

const (
	// EndpointAPI é qualquer endpoint comum (CRUD, relatórios, etc.).
	EndpointAPI EndpointClass = iota
	// EndpointLogin passa também pelo ledger de tentativas e exige Report.
	EndpointLogin
	// EndpointHealth continua liberado durante o modo de emergência.
	EndpointHealth
)

func (c EndpointClass) String() string {
	switch c {
	case EndpointLogin:
		return "login"
	case EndpointHealth:
		return "health"
	default:
		return "api"
	}
}

// Request é o que o host HTTP entrega ao gateway em cada requisição.
// Username só é considerado em endpoints de login.
type Request struct {
	Source   Source
	Username string
	Class    EndpointClass
}

// Identity monta a chave de tentativas desta requisição.
func (r Request) Identity() Identity {
	return NewIdentity(r.Username, string(r.Source))
}

// Reason é o motivo interno de uma decisão.
type Reason string

const (
	ReasonAllow       Reason = "allow"
	ReasonEmergency   Reason = "emergency"
	ReasonBanned      Reason = "banned"
	ReasonRateLimited Reason = "rate_limited"
	ReasonLocked      Reason = "locked"
)

// Códigos estáveis expostos ao cliente.
//
// Banimento e rate limit compartilham IP_RATE_LIMITED: o cliente não deve
// conseguir distinguir os dois estados.
const (
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeIPRateLimited      = "IP_RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Decision é o resultado transiente de Check. Nunca é persistido.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Code é o código estável para o corpo JSON. Vazio quando Allowed.
	Code string
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// Allow é a decisão padrão de liberação.
func Allow() Decision {
	return Decision{Allowed: true, Reason: ReasonAllow}
}

// Deny monta uma negação com o código correspondente ao motivo.
func Deny(reason Reason, retryAfter time.Duration) Decision {
	code := CodeIPRateLimited
	switch reason {
	case ReasonLocked:
		code = CodeAccountLocked
	case ReasonEmergency:
		code = CodeServiceUnavailable
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Reason: reason, Code: code, RetryAfter: retryAfter}
}

// Outcome é o resultado da verificação de credenciais, reportado após Allow.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}
