package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNewIdentity_Normalizes(t *testing.T) {
	id := NewIdentity("  Alice@Example.COM ", " 1.2.3.4 ")
	assert.Equal(t, "alice@example.com", id.Username)
	assert.Equal(t, Source("1.2.3.4"), id.Source)
}

func TestNewIdentity_EmptySourceIsUnknown(t *testing.T) {
	assert.Equal(t, UnknownSource, NewIdentity("bob", "   ").Source)
}

func TestNewIdentity_SeparatorDoesNotCollide(t *testing.T) {
	// com concatenação "user:ip" estas duas identidades virariam a mesma chave
	a := NewIdentity("a:b", "c")
	b := NewIdentity("a", "b:c")
	assert.NotEqual(t, a, b)

	m := map[Identity]int{a: 1, b: 2}
	assert.Len(t, m, 2)
}

func TestNewIdentity_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 300) // 2 bytes cada
	id := NewIdentity(long, strings.Repeat("x", 100))

	assert.LessOrEqual(t, len(id.Username), maxUsernameBytes)
	assert.True(t, utf8.ValidString(id.Username))
	assert.Len(t, string(id.Source), maxSourceBytes)
}

func TestDeny_Codes(t *testing.T) {
	assert.Equal(t, CodeAccountLocked, Deny(ReasonLocked, 0).Code)
	assert.Equal(t, CodeIPRateLimited, Deny(ReasonBanned, 0).Code)
	assert.Equal(t, CodeIPRateLimited, Deny(ReasonRateLimited, 0).Code)
	assert.Equal(t, CodeServiceUnavailable, Deny(ReasonEmergency, 0).Code)
	assert.Zero(t, Deny(ReasonLocked, -5).RetryAfter)
	assert.True(t, Allow().Allowed)
}
