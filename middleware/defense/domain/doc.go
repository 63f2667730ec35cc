// Package domain define contratos e tipos de domínio do motor de defesa:
// identidades, decisões, políticas (limiares) e as interfaces de cada
// componente (ledger de tentativas, rate limit, banimentos, throttle global).
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
