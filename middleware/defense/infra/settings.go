package infra

import (
	"net"
	"sync/atomic"

	"defense-gateway/middleware/defense/domain"
)

type policySnapshot struct {
	policy domain.Policy
	allow  []*net.IPNet
}

// Settings guarda a política vigente e permite trocá-la em tempo de execução.
//
// Leitores recebem um ponteiro para um snapshot imutável; Update valida e
// publica um novo snapshot de forma atômica.
type Settings struct {
	cur atomic.Pointer[policySnapshot]
}

// NewSettings valida a política inicial.
func NewSettings(p domain.Policy) (*Settings, error) {
	s := &Settings{}
	if err := s.Update(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Policy retorna a política vigente. Não altere o valor retornado.
func (s *Settings) Policy() *domain.Policy {
	return &s.cur.Load().policy
}

// Update valida e troca a política. Em caso de erro a política anterior continua valendo.
func (s *Settings) Update(p domain.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	snap := &policySnapshot{policy: p}
	snap.policy.Rate.Allowlist = append([]string(nil), p.Rate.Allowlist...)
	for _, entry := range snap.policy.Rate.Allowlist {
		ipNet, _ := domain.ParseAllowlistEntry(entry) // já validado
		snap.allow = append(snap.allow, ipNet)
	}
	s.cur.Store(snap)
	return nil
}

// Contains implementa domain.Allowlist.
func (s *Settings) Contains(src domain.Source) bool {
	snap := s.cur.Load()
	if len(snap.allow) == 0 {
		return false
	}
	ip := net.ParseIP(string(src))
	if ip == nil {
		return false
	}
	for _, n := range snap.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
