// Package observability monta o logger zap do gateway.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"defense-gateway/internal/config"
)

// NewLogger cria um logger JSON em stderr. Com cfg.File preenchido, os mesmos
// eventos também vão para um arquivo rotacionado pelo lumberjack.
// O io.Closer devolvido fecha o arquivo (no-op sem arquivo).
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, io.Closer, error) {
	return newLogger(cfg, zapcore.Lock(os.Stderr))
}

func newLogger(cfg config.LoggingConfig, console zapcore.WriteSyncer) (*zap.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{zapcore.NewCore(enc, console, level)}
	var closer io.Closer = nopCloser{}

	if path := strings.TrimSpace(cfg.File); path != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(lj), level))
		closer = lj
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(console))
	return logger, closer, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return l, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
