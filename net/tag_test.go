package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knewter/dht/nodeid"
)

// seqRand is a minimal randsrc.Rand whose U16 calls walk a fixed
// slice, used to force an exact tag-collision sequence without
// depending on what a real random source happens to draw. It lives
// here rather than using internal/testdht.FakeRand because this file
// is a whitebox test (package net) and testdht imports net, which
// would create an import cycle.
type seqRand struct {
	vals []uint16
	i    int
}

func (s *seqRand) U16() uint16 {
	v := s.vals[s.i]
	s.i++
	return v
}
func (s *seqRand) U32() uint32  { return 0 }
func (s *seqRand) Pick(n int) int { return 0 }

func seq(vals ...uint16) *seqRand { return &seqRand{vals: vals} }

func TestAllocTagRetriesThenSucceedsWithinLimit(t *testing.T) {
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	c := &Correlator{outstanding: make(map[outKey]*outEntry)}
	for i := uint16(0); i < 15; i++ {
		c.outstanding[outKey{ep: ep, tag: i}] = &outEntry{}
	}
	c.rnd = seq(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)

	tag, err := c.allocTag(ep)
	require.NoError(t, err)
	assert.Equal(t, uint16(15), tag)
}

func TestAllocTagExhaustedAfterSixteenCollisions(t *testing.T) {
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	c := &Correlator{outstanding: make(map[outKey]*outEntry)}
	for i := uint16(0); i < 16; i++ {
		c.outstanding[outKey{ep: ep, tag: i}] = &outEntry{}
	}
	c.rnd = seq(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)

	_, err := c.allocTag(ep)
	assert.ErrorIs(t, err, ErrTagExhausted)
}

func TestAllocTagDistinctForTwoRequestsOnSameEndpoint(t *testing.T) {
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	c := &Correlator{outstanding: make(map[outKey]*outEntry)}
	c.rnd = seq(7, 7, 9)

	first, err := c.allocTag(ep)
	require.NoError(t, err)
	c.outstanding[outKey{ep: ep, tag: first}] = &outEntry{}

	second, err := c.allocTag(ep)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "two outstanding requests to the same endpoint must get distinct tags")
}
