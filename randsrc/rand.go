// Package randsrc supplies the randomness routingmeta and net need
// (pick/u16/u32): a math/rand source reseeded from crypto/rand at
// construction, mirroring tab.seedRand() in
// networks/p2p/discover/table.go.
package randsrc

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Rand is the interface routingmeta and net depend on, rather than
// *Source directly, so tests can script deterministic sequences (tag
// collisions, a forced range-refresh member) the way clock.Clock lets
// them script time.
type Rand interface {
	U16() uint16
	U32() uint32
	Pick(n int) int
}

// Source provides the random values routingmeta and net need: a
// uniformly random bucket member (range_state), a 16-bit tag
// (net tag allocation), and a 32-bit token secret.
type Source struct {
	mu   sync.Mutex
	rand *mrand.Rand
}

var _ Rand = (*Source)(nil)

// New returns a Source seeded from the operating system's CSPRNG.
func New() *Source {
	var seed [8]byte
	_, _ = crand.Read(seed[:])
	return &Source{rand: mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))}
}

// U16 returns a uniformly random 16-bit value.
func (s *Source) U16() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.rand.Intn(1 << 16))
}

// U32 returns a uniformly random 32-bit value.
func (s *Source) U32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Uint32()
}

// Pick returns a uniformly random index in [0, n). Callers with an
// empty slice must check len first; Pick panics on n <= 0 exactly as
// math/rand.Intn does.
func (s *Source) Pick(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}
