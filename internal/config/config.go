// Package config carrega a configuração do gateway em camadas:
// padrões embutidos, arquivo opcional (YAML/TOML) e variáveis DEFENSE_*.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"defense-gateway/middleware/defense/domain"
)

// EnvPrefix é o prefixo das variáveis de ambiente (DEFENSE_LOCKOUT_MAX_ATTEMPTS etc.).
const EnvPrefix = "DEFENSE"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	Lockout   LockoutConfig   `mapstructure:"lockout"`
	Rate      RateConfig      `mapstructure:"rate"`
	Ban       BanConfig       `mapstructure:"ban"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	UpstreamURL     string        `mapstructure:"upstream_url"`
	SourceHeader    string        `mapstructure:"source_header"`
	TrustXFF        bool          `mapstructure:"trust_xff"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LoginPaths      []string      `mapstructure:"login_paths"`
	HealthPaths     []string      `mapstructure:"health_paths"`
	UsernameFields  []string      `mapstructure:"username_fields"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ConcurrencyConfig struct {
	Max            int           `mapstructure:"max"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type AdminConfig struct {
	// Token vazio desliga a API administrativa.
	Token string  `mapstructure:"token"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	// URL é usada pelos subcomandos do CLI.
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	Bucket      string        `mapstructure:"bucket"`
	TrackRoutes bool          `mapstructure:"track_routes"`
	Buffer      int           `mapstructure:"buffer"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type LockoutConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
	BaseDuration  time.Duration `mapstructure:"base_duration"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	Progressive   bool          `mapstructure:"progressive"`
}

type RateConfig struct {
	PerSecond           int      `mapstructure:"per_second"`
	PerMinute           int      `mapstructure:"per_minute"`
	PerHour             int      `mapstructure:"per_hour"`
	SuspiciousPerMinute int      `mapstructure:"suspicious_per_minute"`
	BanPerMinute        int      `mapstructure:"ban_per_minute"`
	Allowlist           []string `mapstructure:"allowlist"`
}

type BanConfig struct {
	BaseDuration time.Duration `mapstructure:"base_duration"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
}

type EmergencyConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Threshold     int           `mapstructure:"threshold"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	RecoveryRatio float64       `mapstructure:"recovery_ratio"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ErrInvalidConfig embrulha problemas fora da política (endereços, Redis etc.).
var ErrInvalidConfig = errors.New("invalid gateway config")

func setDefaults(v *viper.Viper) {
	p := domain.DefaultPolicy()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.upstream_url", "")
	v.SetDefault("server.source_header", "")
	v.SetDefault("server.trust_xff", false)
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.login_paths", []string{"/login", "/api/login", "/auth/login"})
	v.SetDefault("server.health_paths", []string{"/healthz", "/health"})
	v.SetDefault("server.username_fields", []string{"username", "email", "login"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.acquire_timeout", time.Duration(0))

	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rps", 5.0)
	v.SetDefault("admin.burst", 10)
	v.SetDefault("admin.url", "http://127.0.0.1:8080")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "defense:stats")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("redis.bucket", "minute")
	v.SetDefault("redis.track_routes", false)
	v.SetDefault("redis.buffer", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.compress", false)

	v.SetDefault("lockout.max_attempts", p.Lockout.MaxAttempts)
	v.SetDefault("lockout.attempt_window", p.Lockout.AttemptWindow)
	v.SetDefault("lockout.base_duration", p.Lockout.BaseDuration)
	v.SetDefault("lockout.max_duration", p.Lockout.MaxDuration)
	v.SetDefault("lockout.progressive", p.Lockout.Progressive)

	v.SetDefault("rate.per_second", p.Rate.PerSecond)
	v.SetDefault("rate.per_minute", p.Rate.PerMinute)
	v.SetDefault("rate.per_hour", p.Rate.PerHour)
	v.SetDefault("rate.suspicious_per_minute", p.Rate.SuspiciousPerMinute)
	v.SetDefault("rate.ban_per_minute", p.Rate.BanPerMinute)
	v.SetDefault("rate.allowlist", p.Rate.Allowlist)

	v.SetDefault("ban.base_duration", p.Ban.BaseDuration)
	v.SetDefault("ban.max_duration", p.Ban.MaxDuration)

	v.SetDefault("emergency.enabled", p.Emergency.Enabled)
	v.SetDefault("emergency.threshold", p.Emergency.Threshold)
	v.SetDefault("emergency.cooldown", p.Emergency.Cooldown)
	v.SetDefault("emergency.recovery_ratio", p.Emergency.RecoveryRatio)

	v.SetDefault("sweep.interval", p.Sweep.Interval)
}

// New devolve uma instância viper com padrões e variáveis de ambiente já ligados.
// O CLI usa a mesma instância para ligar flags (BindPFlag) antes de Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load lê o arquivo em path (opcional) sobre os padrões e aplica o ambiente.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith permite ao chamador pré-configurar a instância viper.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Atrás de um proxy local toda conexão vem de loopback; a allowlist padrão
	// só vale quando a origem é o próprio RemoteAddr.
	if cfg.Server.TrustXFF && !allowlistGiven(v) {
		cfg.Rate.Allowlist = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func allowlistGiven(v *viper.Viper) bool {
	if v.InConfig("rate.allowlist") {
		return true
	}
	_, ok := os.LookupEnv(EnvPrefix + "_RATE_ALLOWLIST")
	return ok
}

// Policy converte as seções de limiares em domain.Policy (sem validar).
func (c *Config) Policy() domain.Policy {
	return domain.Policy{
		Lockout: domain.LockoutPolicy{
			MaxAttempts:   c.Lockout.MaxAttempts,
			AttemptWindow: c.Lockout.AttemptWindow,
			BaseDuration:  c.Lockout.BaseDuration,
			MaxDuration:   c.Lockout.MaxDuration,
			Progressive:   c.Lockout.Progressive,
		},
		Rate: domain.RatePolicy{
			PerSecond:           c.Rate.PerSecond,
			PerMinute:           c.Rate.PerMinute,
			PerHour:             c.Rate.PerHour,
			SuspiciousPerMinute: c.Rate.SuspiciousPerMinute,
			BanPerMinute:        c.Rate.BanPerMinute,
			Allowlist:           trimAll(c.Rate.Allowlist),
		},
		Ban: domain.BanPolicy{
			BaseDuration: c.Ban.BaseDuration,
			MaxDuration:  c.Ban.MaxDuration,
		},
		Emergency: domain.EmergencyPolicy{
			Enabled:       c.Emergency.Enabled,
			Threshold:     c.Emergency.Threshold,
			Cooldown:      c.Emergency.Cooldown,
			RecoveryRatio: c.Emergency.RecoveryRatio,
		},
		Sweep: domain.SweepPolicy{Interval: c.Sweep.Interval},
	}
}

// Validate verifica a política e as seções de infraestrutura. UpstreamURL só é
// exigido por "serve", então é checado lá.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency.Max < 0 {
		errs = append(errs, fmt.Errorf("%w: concurrency.max must be >= 0", ErrInvalidConfig))
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, fmt.Errorf("%w: redis.addr is required when redis.enabled=true", ErrInvalidConfig))
	}
	if c.Admin.Token != "" && (c.Admin.RPS <= 0 || c.Admin.Burst <= 0) {
		errs = append(errs, fmt.Errorf("%w: admin.rps and admin.burst must be > 0", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// Upstream valida e devolve server.upstream_url.
func (c *Config) Upstream() (*url.URL, error) {
	raw := strings.TrimSpace(c.Server.UpstreamURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: server.upstream_url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid server.upstream_url %q", ErrInvalidConfig, raw)
	}
	return u, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
