package defense

import (
	"errors"
	"fmt"
	"time"

	"defense-gateway/middleware/defense/domain"
)

// PolicyDocument é a forma serializável de domain.Policy (JSON na API admin, YAML no CLI).
// Durações são strings no formato de time.ParseDuration ("15m", "30s").
type PolicyDocument struct {
	Lockout struct {
		MaxAttempts   int    `json:"max_attempts" yaml:"max_attempts"`
		AttemptWindow string `json:"attempt_window" yaml:"attempt_window"`
		BaseDuration  string `json:"base_duration" yaml:"base_duration"`
		MaxDuration   string `json:"max_duration" yaml:"max_duration"`
		Progressive   bool   `json:"progressive" yaml:"progressive"`
	} `json:"lockout" yaml:"lockout"`

	Rate struct {
		PerSecond           int      `json:"per_second" yaml:"per_second"`
		PerMinute           int      `json:"per_minute" yaml:"per_minute"`
		PerHour             int      `json:"per_hour" yaml:"per_hour"`
		SuspiciousPerMinute int      `json:"suspicious_per_minute" yaml:"suspicious_per_minute"`
		BanPerMinute        int      `json:"ban_per_minute" yaml:"ban_per_minute"`
		Allowlist           []string `json:"allowlist" yaml:"allowlist"`
	} `json:"rate" yaml:"rate"`

	Ban struct {
		BaseDuration string `json:"base_duration" yaml:"base_duration"`
		MaxDuration  string `json:"max_duration" yaml:"max_duration"`
	} `json:"ban" yaml:"ban"`

	Emergency struct {
		Enabled       bool    `json:"enabled" yaml:"enabled"`
		Threshold     int     `json:"threshold" yaml:"threshold"`
		Cooldown      string  `json:"cooldown" yaml:"cooldown"`
		RecoveryRatio float64 `json:"recovery_ratio" yaml:"recovery_ratio"`
	} `json:"emergency" yaml:"emergency"`

	Sweep struct {
		Interval string `json:"interval" yaml:"interval"`
	} `json:"sweep" yaml:"sweep"`
}

// NewPolicyDocument converte a política para o formato serializável.
func NewPolicyDocument(p domain.Policy) PolicyDocument {
	var d PolicyDocument
	d.Lockout.MaxAttempts = p.Lockout.MaxAttempts
	d.Lockout.AttemptWindow = p.Lockout.AttemptWindow.String()
	d.Lockout.BaseDuration = p.Lockout.BaseDuration.String()
	d.Lockout.MaxDuration = p.Lockout.MaxDuration.String()
	d.Lockout.Progressive = p.Lockout.Progressive

	d.Rate.PerSecond = p.Rate.PerSecond
	d.Rate.PerMinute = p.Rate.PerMinute
	d.Rate.PerHour = p.Rate.PerHour
	d.Rate.SuspiciousPerMinute = p.Rate.SuspiciousPerMinute
	d.Rate.BanPerMinute = p.Rate.BanPerMinute
	d.Rate.Allowlist = append([]string{}, p.Rate.Allowlist...)

	d.Ban.BaseDuration = p.Ban.BaseDuration.String()
	d.Ban.MaxDuration = p.Ban.MaxDuration.String()

	d.Emergency.Enabled = p.Emergency.Enabled
	d.Emergency.Threshold = p.Emergency.Threshold
	d.Emergency.Cooldown = p.Emergency.Cooldown.String()
	d.Emergency.RecoveryRatio = p.Emergency.RecoveryRatio

	d.Sweep.Interval = p.Sweep.Interval.String()
	return d
}

// Policy converte de volta e valida. Erros de duração e de limiar embrulham domain.ErrInvalidPolicy.
func (d PolicyDocument) Policy() (domain.Policy, error) {
	var (
		p    domain.Policy
		errs []error
	)
	parse := func(field, v string) time.Duration {
		dur, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, v))
		}
		return dur
	}

	p.Lockout = domain.LockoutPolicy{
		MaxAttempts:   d.Lockout.MaxAttempts,
		AttemptWindow: parse("lockout.attempt_window", d.Lockout.AttemptWindow),
		BaseDuration:  parse("lockout.base_duration", d.Lockout.BaseDuration),
		MaxDuration:   parse("lockout.max_duration", d.Lockout.MaxDuration),
		Progressive:   d.Lockout.Progressive,
	}
	p.Rate = domain.RatePolicy{
		PerSecond:           d.Rate.PerSecond,
		PerMinute:           d.Rate.PerMinute,
		PerHour:             d.Rate.PerHour,
		SuspiciousPerMinute: d.Rate.SuspiciousPerMinute,
		BanPerMinute:        d.Rate.BanPerMinute,
		Allowlist:           append([]string(nil), d.Rate.Allowlist...),
	}
	p.Ban = domain.BanPolicy{
		BaseDuration: parse("ban.base_duration", d.Ban.BaseDuration),
		MaxDuration:  parse("ban.max_duration", d.Ban.MaxDuration),
	}
	p.Emergency = domain.EmergencyPolicy{
		Enabled:       d.Emergency.Enabled,
		Threshold:     d.Emergency.Threshold,
		Cooldown:      parse("emergency.cooldown", d.Emergency.Cooldown),
		RecoveryRatio: d.Emergency.RecoveryRatio,
	}
	p.Sweep = domain.SweepPolicy{Interval: parse("sweep.interval", d.Sweep.Interval)}

	if len(errs) > 0 {
		return p, fmt.Errorf("%w: %w", domain.ErrInvalidPolicy, errors.Join(errs...))
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
