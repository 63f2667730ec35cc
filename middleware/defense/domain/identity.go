package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	maxUsernameBytes = 254
	maxSourceBytes   = 64

	// UnknownSource é usado quando o host HTTP não consegue identificar o cliente.
	UnknownSource Source = "unknown"
)

// Source identifica o cliente (normalmente o endereço IP).
type Source string

// NewSource normaliza o valor recebido do host HTTP.
func NewSource(v string) Source {
	v = truncate(strings.TrimSpace(v), maxSourceBytes)
	if v == "" {
		return UnknownSource
	}
	return Source(v)
}

// Identity é a chave composta (usuário, origem) das tentativas de login.
//
// É uma struct comparável: nunca concatenar os campos em string, um separador
// dentro do username geraria colisão entre identidades distintas.
type Identity struct {
	Username string
	Source   Source
}

// NewIdentity sanitiza as entradas para um formato fixo de chave.
func NewIdentity(username, source string) Identity {
	u := strings.ToLower(strings.TrimSpace(username))
	return Identity{
		Username: truncate(u, maxUsernameBytes),
		Source:   NewSource(source),
	}
}

// String é apenas para logs; não usar como chave.
func (id Identity) String() string {
	return id.Username + "@" + string(id.Source)
}

// truncate corta em n bytes sem quebrar uma runa UTF-8 no meio.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
