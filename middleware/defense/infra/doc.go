// Package infra contém as implementações em memória dos contratos de domain.
//
// Todo o estado de abuso (tentativas, janelas, banimentos, contador global) vive
// em tabelas particionadas com lock por chave. Nada é persistido: um restart
// começa do zero.
//
// Também ficam aqui os stores de estatística (memória, Prometheus, Redis e o
// wrapper assíncrono), os token-buckets da API administrativa e o pool de vagas
// para o upstream.
package infra
