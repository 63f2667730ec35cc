package domain

import "time"

// Contratos de cada componente do motor. As implementações em memória ficam em infra;
// o gateway (application) depende apenas destas interfaces.

// FailureResult é o retorno de RecordFailure.
type FailureResult struct {
	Locked bool
	// AttemptsRemaining só é significativo quando Locked=false.
	AttemptsRemaining int
	// LockDuration é a duração restante do bloqueio quando Locked=true.
	LockDuration time.Duration
}

// LockStatus é o retorno de IsLocked.
type LockStatus struct {
	Locked    bool
	Remaining time.Duration
	Attempts  int
}

// AttemptStatus é um snapshot somente-leitura de uma identidade.
type AttemptStatus struct {
	Identity      Identity
	Tracked       bool
	Attempts      int
	LockoutCount  int
	Locked        bool
	LockedUntil   time.Time
	Remaining     time.Duration
	WindowStart   time.Time
	LastAttemptAt time.Time
}

// AttemptLedger rastreia falhas de login por identidade com bloqueio progressivo.
type AttemptLedger interface {
	RecordFailure(id Identity) FailureResult
	RecordSuccess(id Identity)
	IsLocked(id Identity) LockStatus
	Status(id Identity) AttemptStatus
}

// RateResult é o retorno de CheckAndIncrement.
type RateResult struct {
	Limited    bool
	RetryAfter time.Duration
	// Suspicious é verdadeiro na requisição que cruzou o limiar de monitoramento.
	Suspicious bool
	// Escalate é verdadeiro na requisição que cruzou o limiar de banimento.
	Escalate bool
}

// RequestLimiter aplica as janelas de segundo/minuto/hora por origem.
type RequestLimiter interface {
	CheckAndIncrement(src Source) RateResult
}

// BanEntry representa um banimento ativo.
type BanEntry struct {
	Source    Source    `json:"source"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Level     int       `json:"level"`
	Reason    string    `json:"reason"`
	Manual    bool      `json:"manual"`
}

// BanList mantém as origens banidas temporariamente.
type BanList interface {
	Check(src Source) (banned bool, remaining time.Duration)
	IsBanned(src Source) bool
	Escalate(src Source, reason string) BanEntry
	ManualBan(src Source, d time.Duration, reason string) BanEntry
	Unban(src Source) bool
	Get(src Source) (BanEntry, bool)
}

// Throttle é o contador global que detecta sobrecarga agregada.
type Throttle interface {
	OnRequest() (emergency bool, retryAfter time.Duration)
	Active() bool
}

// Allowlist indica origens confiáveis que ignoram rate limit e banimento.
type Allowlist interface {
	Contains(src Source) bool
}
