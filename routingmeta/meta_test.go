package routingmeta

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knewter/dht/clock"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/randsrc"
	"github.com/knewter/dht/routingtable"
)

func newTestRouting(t *testing.T) (*clock.Simulated, *Routing) {
	t.Helper()
	var local nodeid.NodeID
	tab := routingtable.New(local)
	clk := new(clock.Simulated)
	_, r := New(tab, clk, randsrc.New())
	return clk, r
}

func peerWith(id byte, port uint16) nodeid.Peer {
	var nid nodeid.NodeID
	nid[nodeid.Size-1] = id
	nid[0] = 0x80 // keep it out of the local node's own bucket path
	return nodeid.Peer{ID: nid, Endpoint: nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: port}}
}

func TestInsertThenIsMember(t *testing.T) {
	_, r := newTestRouting(t)
	p := peerWith(1, 1001)
	require.NoError(t, r.Insert(p))
	assert.True(t, r.IsMember(p))
}

func TestNodeTimeoutThreeTimesGoesBad(t *testing.T) {
	clk, r := newTestRouting(t)
	p := peerWith(2, 1002)
	require.NoError(t, r.Insert(p))
	clk.Run(0)

	assert.Equal(t, Good, r.NodeState(p).Class)
	r.NodeTimeout(p)
	r.NodeTimeout(p)
	assert.Equal(t, Good, r.NodeState(p).Class, "two timeouts is not yet bad")
	r.NodeTimeout(p)
	assert.Equal(t, Bad, r.NodeState(p).Class, "three timeouts transitions to bad")
}

func TestNodeTouchUnreachableDoesNotUpgradeUnverifiedPeer(t *testing.T) {
	clk, r := newTestRouting(t)
	p := peerWith(3, 1003)
	require.NoError(t, r.Insert(p))

	clk.Run(time.Minute)
	before := r.nodes[p.ID].lastActivity

	r.NodeTouch(p, false)
	after := r.nodes[p.ID].lastActivity
	assert.Equal(t, before, after, "unsolicited inbound from unverified peer must not change its entry")
}

func TestNodeTouchReachableThenUnreachableRefreshes(t *testing.T) {
	clk, r := newTestRouting(t)
	p := peerWith(4, 1004)
	require.NoError(t, r.Insert(p))
	r.NodeTouch(p, true)
	r.NodeTimeout(p)
	require.Equal(t, 1, r.nodes[p.ID].timeoutCount)

	clk.Run(time.Minute)
	r.NodeTouch(p, false)
	assert.Equal(t, 0, r.nodes[p.ID].timeoutCount, "a verified peer's timeout count clears on any traffic")
}

func TestNodeClassification(t *testing.T) {
	clk, r := newTestRouting(t)
	p := peerWith(5, 1005)
	require.NoError(t, r.Insert(p))

	clk.Run(NodeTimeout + time.Millisecond)
	st := r.NodeState(p)
	assert.Equal(t, Questionable, st.Class)
	assert.Equal(t, time.Millisecond, st.Age)

	r.NodeTimeout(p)
	r.NodeTimeout(p)
	r.NodeTimeout(p)
	assert.Equal(t, Bad, r.NodeState(p).Class)

	r.NodeTouch(p, true)
	st = r.NodeState(p)
	assert.Equal(t, Good, st.Class)
	assert.Equal(t, 0, r.nodes[p.ID].timeoutCount)
}

func TestReplaceRequiresOldBad(t *testing.T) {
	_, r := newTestRouting(t)
	old := peerWith(6, 1006)
	new := peerWith(7, 1007)
	require.NoError(t, r.Insert(old))

	err := r.Replace(old, new)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestReplaceSucceedsWhenOldBad(t *testing.T) {
	_, r := newTestRouting(t)
	old := peerWith(8, 1008)
	new := peerWith(9, 1009)
	require.NoError(t, r.Insert(old))
	r.NodeTimeout(old)
	r.NodeTimeout(old)
	r.NodeTimeout(old)
	require.Equal(t, Bad, r.NodeState(old).Class)

	require.NoError(t, r.Replace(old, new))
	assert.False(t, r.IsMember(old))
	assert.True(t, r.IsMember(new))
}

func TestNeighborsExcludesBadAndOrdersGoodFirst(t *testing.T) {
	clk, r := newTestRouting(t)
	good := peerWith(10, 1010)
	questionable := peerWith(11, 1011)
	bad := peerWith(12, 1012)
	require.NoError(t, r.Insert(good))
	require.NoError(t, r.Insert(questionable))
	require.NoError(t, r.Insert(bad))

	clk.Run(NodeTimeout + time.Second)
	r.NodeTouch(good, true)
	r.NodeTimeout(bad)
	r.NodeTimeout(bad)
	r.NodeTimeout(bad)

	var target nodeid.ID
	out := r.Neighbors(target, 10)
	for _, p := range out {
		assert.NotEqual(t, bad.ID, p.ID)
	}
	require.GreaterOrEqual(t, len(out), 2)
	assert.Equal(t, good.ID, out[0].ID, "good peers sort before questionable ones")
}

func TestRangeStateNeedsRefreshAfterTimeout(t *testing.T) {
	clk, r := newTestRouting(t)
	p := peerWith(13, 1013)
	require.NoError(t, r.Insert(p))

	rg := r.table.Ranges()[0]
	st, err := r.RangeState(rg)
	require.NoError(t, err)
	assert.Equal(t, RangeOK, st.Status)

	clk.Run(RangeTimeout + time.Second)
	st, err = r.RangeState(rg)
	require.NoError(t, err)
	assert.Equal(t, RangeNeedsRefresh, st.Status)
	assert.Equal(t, p.ID, st.RefreshTarget)
}

func TestRangeStateNotMember(t *testing.T) {
	_, r := newTestRouting(t)
	_, err := r.RangeState(routingtable.Range{CPL: 99})
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestRangeTimerFiresAndIsNotOrphaned(t *testing.T) {
	clk, r := newTestRouting(t)
	require.Equal(t, 1, clk.ActiveTimers())

	clk.Run(RangeTimeout + time.Second)
	select {
	case rg := <-r.RangeExpired:
		assert.Equal(t, r.table.Ranges()[0], rg)
	default:
		t.Fatal("expected a RangeExpired notification")
	}
}

func TestInsertSplitArmsFreshTimersForNewRanges(t *testing.T) {
	clk, r := newTestRouting(t)
	before := r.table.Ranges()
	require.Len(t, before, 1)

	for i := 0; i < routingtable.BucketSize+1; i++ {
		var nid nodeid.NodeID
		nid[0] = 0x01 // shares 7 leading bits with the all-zero local id
		nid[nodeid.Size-1] = byte(i + 1)
		p := nodeid.Peer{ID: nid, Endpoint: nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: uint16(6000 + i)}}
		_ = r.Insert(p)
	}

	after := r.table.Ranges()
	assert.Greater(t, len(after), 1)
	assert.Equal(t, len(after), clk.ActiveTimers(), "every current range has exactly one live timer")
}
