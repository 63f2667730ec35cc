// Package application compõe os componentes de defesa em casos de uso sem net/http.
//
// Gateway.Check devolve uma domain.Decision (allow/deny + motivo + retry-after) e
// Gateway.Report registra o resultado de um login. Admission controla a
// concorrência contra o upstream.
package application
