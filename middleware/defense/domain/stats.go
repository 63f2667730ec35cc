package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do motor.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas.
//
// Observação: cuidado com cardinalidade (ex.: salvar Source/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	Source  Source
	Allowed bool
	Reason  Reason
	Class   EndpointClass

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de decisão.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// O middleware trata erro como best-effort (não derruba a request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
