// Package defense protege a superfície de autenticação e a API de um back office
// contra força bruta de credenciais e inundação de requisições.
//
// Visão geral (camadas):
//
//   - domain: tipos e contratos (identidade, política, decisão), sem net/http
//   - application: Gateway compõe os componentes em uma decisão; Admission limita concorrência
//   - infra: implementações em memória (ledger, janelas, banimentos, throttle, sweeper) e stores de estatística
//   - defense (este pacote): Engine, middlewares HTTP, respostas JSON e API administrativa
//
// Uso embutido (contrato de duas chamadas):
//
//	dec := engine.Check(domain.Request{Source: ip, Username: user, Class: domain.EndpointLogin})
//	if !dec.Allowed {
//		defense.WriteDenial(w, dec)
//		return
//	}
//	ok := checkCredentials(user, pass)
//	engine.Report(domain.NewIdentity(user, ip), outcome(ok))
//
// No modo proxy (cmd/gateway) o Middleware infere o resultado do login pela
// resposta do upstream (header X-Auth-Result ou status 401/403).
package defense
