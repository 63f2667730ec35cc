package infra

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const shardCount = 64

// slot guarda um valor com lock próprio. Um slot marcado como dead já foi
// removido pelo sweeper (ou por um delete) e não pode mais ser alterado:
// quem o encontrar deve substituí-lo por um novo.
type slot[V any] struct {
	mu   sync.Mutex
	dead atomic.Bool
	val  V
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*slot[V]
}

// table é um mapa particionado com lock por chave.
//
// Toda leitura-modificação-escrita de uma chave acontece com o lock do slot,
// então operações concorrentes na mesma chave nunca se perdem. Os locks de
// shard só protegem o mapa (inserção/remoção) e são mantidos por O(1).
type table[K comparable, V any] struct {
	seed   maphash.Seed
	shards [shardCount]shard[K, V]
}

func newTable[K comparable, V any]() *table[K, V] {
	t := &table[K, V]{seed: maphash.MakeSeed()}
	for i := range t.shards {
		t.shards[i].m = make(map[K]*slot[V])
	}
	return t
}

func (t *table[K, V]) shardFor(key K) *shard[K, V] {
	return &t.shards[maphash.Comparable(t.seed, key)%shardCount]
}

// acquire retorna o slot da chave já travado. Com create=false retorna nil se a
// chave não existir. O chamador deve liberar s.mu.
func (t *table[K, V]) acquire(key K, create bool) *slot[V] {
	sh := t.shardFor(key)
	for {
		sh.mu.RLock()
		s := sh.m[key]
		sh.mu.RUnlock()

		if s == nil {
			if !create {
				return nil
			}
			sh.mu.Lock()
			s = sh.m[key]
			if s == nil || s.dead.Load() {
				s = &slot[V]{}
				sh.m[key] = s
			}
			sh.mu.Unlock()
		}

		s.mu.Lock()
		if !s.dead.Load() {
			return s
		}
		s.mu.Unlock()

		// slot removido entre a busca e o lock: descarta e tenta de novo
		sh.mu.Lock()
		if sh.m[key] == s {
			delete(sh.m, key)
		}
		sh.mu.Unlock()
	}
}

// retire marca o slot (travado pelo chamador) como removido, libera o lock e o tira do mapa.
func (t *table[K, V]) retire(key K, s *slot[V]) {
	s.dead.Store(true)
	s.mu.Unlock()

	sh := t.shardFor(key)
	sh.mu.Lock()
	if sh.m[key] == s {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
}

// update executa fn com o valor da chave travado, criando o valor zero se preciso.
func (t *table[K, V]) update(key K, fn func(v *V)) {
	s := t.acquire(key, true)
	fn(&s.val)
	s.mu.Unlock()
}

// modify executa fn apenas se a chave existir. Se fn retornar true a chave é removida.
func (t *table[K, V]) modify(key K, fn func(v *V) (remove bool)) bool {
	s := t.acquire(key, false)
	if s == nil {
		return false
	}
	if fn(&s.val) {
		t.retire(key, s)
		return true
	}
	s.mu.Unlock()
	return true
}

// view copia o valor da chave sem alterá-lo.
func (t *table[K, V]) view(key K) (V, bool) {
	s := t.acquire(key, false)
	if s == nil {
		var zero V
		return zero, false
	}
	v := s.val
	s.mu.Unlock()
	return v, true
}

// remove apaga a chave. Retorna false se ela não existia.
func (t *table[K, V]) remove(key K) bool {
	s := t.acquire(key, false)
	if s == nil {
		return false
	}
	t.retire(key, s)
	return true
}

// len é aproximado sob concorrência (cada shard é lido em momentos diferentes).
func (t *table[K, V]) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// each copia os valores vivos. Chaves ocupadas no momento são puladas.
func (t *table[K, V]) each(fn func(key K, v V)) {
	for i := range t.shards {
		for _, c := range t.shards[i].candidates() {
			if !c.s.mu.TryLock() {
				continue
			}
			if c.s.dead.Load() {
				c.s.mu.Unlock()
				continue
			}
			v := c.s.val
			c.s.mu.Unlock()
			fn(c.key, v)
		}
	}
}

// sweep remove as chaves para as quais eligible retorna true.
//
// Nunca espera por um lock: se o slot (ou o shard, na remoção do mapa) estiver
// ocupado, a chave fica para o próximo ciclo e entra em deferred. A elegibilidade
// é verificada de novo depois de obter o lock do slot.
func (t *table[K, V]) sweep(eligible func(v *V) bool) (removed, deferred int) {
	for i := range t.shards {
		sh := &t.shards[i]
		for _, c := range sh.candidates() {
			if !c.s.dead.Load() {
				if !c.s.mu.TryLock() {
					deferred++
					continue
				}
				if c.s.dead.Load() || !eligible(&c.s.val) {
					c.s.mu.Unlock()
					continue
				}
				c.s.dead.Store(true)
				c.s.mu.Unlock()
				removed++
			}

			if !sh.mu.TryLock() {
				// já está morto; quem encontrar o slot o substitui, ou o próximo ciclo remove
				continue
			}
			if sh.m[c.key] == c.s {
				delete(sh.m, c.key)
			}
			sh.mu.Unlock()
		}
	}
	return removed, deferred
}

type candidate[K comparable, V any] struct {
	key K
	s   *slot[V]
}

func (sh *shard[K, V]) candidates() []candidate[K, V] {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]candidate[K, V], 0, len(sh.m))
	for k, s := range sh.m {
		out = append(out, candidate[K, V]{key: k, s: s})
	}
	return out
}
