package domain

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrInvalidPolicy é retornado (embrulhado) quando os limiares são inconsistentes.
// É um erro de configuração: detectado na inicialização e fatal antes de aceitar tráfego.
var ErrInvalidPolicy = errors.New("invalid defense policy")

// LockoutPolicy controla o bloqueio progressivo de contas.
type LockoutPolicy struct {
	MaxAttempts   int
	AttemptWindow time.Duration
	BaseDuration  time.Duration
	MaxDuration   time.Duration
	Progressive   bool
}

// RatePolicy define os tetos por origem e os limiares de escalonamento por minuto.
type RatePolicy struct {
	PerSecond int
	PerMinute int
	PerHour   int

	// SuspiciousPerMinute apenas sinaliza para monitoramento.
	SuspiciousPerMinute int
	// BanPerMinute cria/renova um banimento.
	BanPerMinute int

	// Allowlist contém CIDRs (ou IPs) que nunca sofrem rate limit nem banimento.
	Allowlist []string
}

// BanPolicy define a duração escalonada dos banimentos.
type BanPolicy struct {
	BaseDuration time.Duration
	MaxDuration  time.Duration
}

// EmergencyPolicy controla o throttle global.
type EmergencyPolicy struct {
	Enabled bool
	// Threshold é o total de requisições por segundo (todas as origens).
	Threshold int
	Cooldown  time.Duration
	// RecoveryRatio é a fração do Threshold abaixo da qual a taxa é considerada normalizada.
	RecoveryRatio float64
}

// SweepPolicy controla a limpeza periódica.
type SweepPolicy struct {
	Interval time.Duration
}

// Policy agrupa todos os limiares do motor.
type Policy struct {
	Lockout   LockoutPolicy
	Rate      RatePolicy
	Ban       BanPolicy
	Emergency EmergencyPolicy
	Sweep     SweepPolicy
}

// DefaultPolicy retorna os valores padrão.
func DefaultPolicy() Policy {
	return Policy{
		Lockout: LockoutPolicy{
			MaxAttempts:   5,
			AttemptWindow: 15 * time.Minute,
			BaseDuration:  15 * time.Minute,
			MaxDuration:   60 * time.Minute,
			Progressive:   true,
		},
		Rate: RatePolicy{
			PerSecond:           10,
			PerMinute:           200,
			PerHour:             5000,
			SuspiciousPerMinute: 50,
			BanPerMinute:        100,
			Allowlist:           []string{"127.0.0.0/8", "::1/128"},
		},
		Ban: BanPolicy{
			BaseDuration: 15 * time.Minute,
			MaxDuration:  60 * time.Minute,
		},
		Emergency: EmergencyPolicy{
			Enabled:       true,
			Threshold:     1000,
			Cooldown:      15 * time.Second,
			RecoveryRatio: 0.5,
		},
		Sweep: SweepPolicy{
			Interval: 60 * time.Second,
		},
	}
}

// Validate verifica a ordem e o intervalo dos limiares.
// Todas as violações são reportadas juntas, embrulhando ErrInvalidPolicy.
func (p Policy) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	l := p.Lockout
	if l.MaxAttempts < 1 {
		bad("lockout.max_attempts must be >= 1, got %d", l.MaxAttempts)
	}
	if l.AttemptWindow <= 0 {
		bad("lockout.attempt_window must be > 0")
	}
	if l.BaseDuration <= 0 {
		bad("lockout.base_duration must be > 0")
	}
	if l.MaxDuration < l.BaseDuration {
		bad("lockout.max_duration (%s) must be >= lockout.base_duration (%s)", l.MaxDuration, l.BaseDuration)
	}

	r := p.Rate
	if r.PerSecond <= 0 || r.PerMinute <= 0 || r.PerHour <= 0 {
		bad("rate ceilings must be > 0 (per_second=%d per_minute=%d per_hour=%d)", r.PerSecond, r.PerMinute, r.PerHour)
	}
	if r.SuspiciousPerMinute <= 0 {
		bad("rate.suspicious_per_minute must be > 0")
	}
	if r.BanPerMinute < r.SuspiciousPerMinute {
		bad("rate.ban_per_minute (%d) must be >= rate.suspicious_per_minute (%d)", r.BanPerMinute, r.SuspiciousPerMinute)
	}
	for _, entry := range r.Allowlist {
		if _, err := ParseAllowlistEntry(entry); err != nil {
			bad("rate.allowlist: %v", err)
		}
	}

	b := p.Ban
	if b.BaseDuration <= 0 {
		bad("ban.base_duration must be > 0")
	}
	if b.MaxDuration < b.BaseDuration {
		bad("ban.max_duration (%s) must be >= ban.base_duration (%s)", b.MaxDuration, b.BaseDuration)
	}

	e := p.Emergency
	if e.Enabled {
		if e.Threshold <= 0 {
			bad("emergency.threshold must be > 0")
		}
		if e.Cooldown < 10*time.Second || e.Cooldown > 30*time.Second {
			bad("emergency.cooldown must be between 10s and 30s, got %s", e.Cooldown)
		}
		if e.RecoveryRatio <= 0 || e.RecoveryRatio > 1 {
			bad("emergency.recovery_ratio must be in (0, 1], got %v", e.RecoveryRatio)
		}
	}

	if p.Sweep.Interval <= 0 {
		bad("sweep.interval must be > 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
}

// Duration calcula a duração do bloqueio para o n-ésimo lockout (n >= 1).
func (l LockoutPolicy) Duration(lockoutCount int) time.Duration {
	if !l.Progressive || lockoutCount <= 1 {
		return min(l.BaseDuration, l.MaxDuration)
	}
	// evita overflow em Base × n
	if time.Duration(lockoutCount) > l.MaxDuration/l.BaseDuration {
		return l.MaxDuration
	}
	return min(l.BaseDuration*time.Duration(lockoutCount), l.MaxDuration)
}

// Duration calcula a duração de um banimento no nível informado (15 → 30 → 60...).
func (b BanPolicy) Duration(level int) time.Duration {
	if level <= 1 {
		return min(b.BaseDuration, b.MaxDuration)
	}
	d := b.BaseDuration
	for i := 1; i < level; i++ {
		d *= 2
		if d >= b.MaxDuration {
			return b.MaxDuration
		}
	}
	return d
}

// LedgerRetention é o tempo ocioso após o qual um registro de tentativas pode ser descartado.
func (p Policy) LedgerRetention() time.Duration {
	return 2 * max(p.Lockout.AttemptWindow, p.Lockout.MaxDuration)
}

// RateRetention é o tempo ocioso após o qual as janelas de uma origem podem ser descartadas.
func (p Policy) RateRetention() time.Duration {
	return 2 * time.Hour
}

// OffenseRetention é por quanto tempo o histórico de banimentos sobrevive sem novas infrações.
func (p Policy) OffenseRetention() time.Duration {
	return 2 * p.Ban.MaxDuration
}

// ParseAllowlistEntry aceita CIDR ou IP simples (convertido para /32 ou /128).
func ParseAllowlistEntry(entry string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(entry); err == nil {
		return ipNet, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid CIDR or IP %q", entry)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
