package net_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knewter/dht/clock"
	"github.com/knewter/dht/internal/testdht"
	dhtnet "github.com/knewter/dht/net"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/routingmeta"
	"github.com/knewter/dht/routingtable"
	"github.com/knewter/dht/state"
	"github.com/knewter/dht/store"
	"github.com/knewter/dht/wire"
)

type harness struct {
	corr    *dhtnet.Correlator
	sock    *testdht.FakeSocket
	clk     *clock.Simulated
	routing *routingmeta.Routing
	store   *store.Store
	self    nodeid.NodeID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var local nodeid.NodeID
	local[0] = 0xAA

	tab := routingtable.New(local)
	clk := new(clock.Simulated)
	rnd := testdht.NewFakeRand()
	_, routing := routingmeta.New(tab, clk, rnd)
	st := state.New(local, routing)
	sr := store.New()
	sock := testdht.NewFakeSocket(nodeid.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881})
	corr := dhtnet.New(sock, st, sr, clk, rnd)
	t.Cleanup(func() { _ = corr.Close() })
	return &harness{corr: corr, sock: sock, clk: clk, routing: routing, store: sr, self: local}
}

// waitForSent polls until the fake socket has sent at least n packets,
// decodes the most recent one, and returns it.
func waitForSent(t *testing.T, sock *testdht.FakeSocket, n int) *wire.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(sock.Sent()) >= n }, time.Second, time.Millisecond)
	pkt, ok := sock.LastSent()
	require.True(t, ok)
	msg, err := wire.Decode(pkt.Data)
	require.NoError(t, err)
	return msg
}

func TestPingRoundTrip(t *testing.T) {
	h := newHarness(t)
	remoteID := nodeid.NodeID{0xBB}
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 7000}

	result := make(chan struct {
		id  nodeid.NodeID
		err error
	}, 1)
	go func() {
		id, err := h.corr.Ping(ep)
		result <- struct {
			id  nodeid.NodeID
			err error
		}{id, err}
	}()

	sent := waitForSent(t, h.sock, 1)
	require.Equal(t, wire.KindQuery, sent.Kind)
	require.NotNil(t, sent.Query)
	require.Equal(t, wire.Ping, sent.Query.Type)

	reply := &wire.Message{
		Kind: wire.KindResponse, Tag: sent.Tag, SenderID: remoteID,
		Response: &wire.Response{Type: wire.Ping},
	}
	data, err := wire.Encode(reply)
	require.NoError(t, err)
	h.sock.Deliver(ep, data)

	select {
	case r := <-result:
		require.NoError(t, r.err)
		assert.Equal(t, remoteID, r.id)
	case <-time.After(time.Second):
		t.Fatal("ping never returned")
	}
}

func TestPingTimeoutYieldsPang(t *testing.T) {
	h := newHarness(t)
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 3), Port: 7001}

	result := make(chan error, 1)
	go func() {
		_, err := h.corr.Ping(ep)
		result <- err
	}()

	waitForSent(t, h.sock, 1)
	h.clk.Run(dhtnet.QueryTimeout + time.Millisecond)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, dhtnet.ErrPang)
	case <-time.After(time.Second):
		t.Fatal("ping never timed out")
	}
}

func TestFindNodeNotifiesStateUsingOuterPeerOnSuccess(t *testing.T) {
	h := newHarness(t)
	peer := nodeid.Peer{ID: nodeid.NodeID{0xEE}, Endpoint: nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 6), Port: 7004}}
	require.NoError(t, h.routing.Insert(peer))
	// Age the peer past NodeTimeout so only a notification about it can
	// bring it back to Good.
	h.clk.Run(routingmeta.NodeTimeout + time.Millisecond)
	require.Equal(t, routingmeta.Questionable, h.routing.NodeState(peer).Class)

	result := make(chan struct {
		nodes []nodeid.Peer
		err   error
	}, 1)
	go func() {
		nodes, err := h.corr.FindNode(peer)
		result <- struct {
			nodes []nodeid.Peer
			err   error
		}{nodes, err}
	}()

	sent := waitForSent(t, h.sock, 1)
	require.Equal(t, wire.FindNode, sent.Query.Type)

	// The reply claims a different sender id than the peer we queried;
	// FindNode must still notify state about the outer peer argument,
	// not this claimed id.
	reply := &wire.Message{
		Kind: wire.KindResponse, Tag: sent.Tag, SenderID: nodeid.NodeID{0xFF},
		Response: &wire.Response{Type: wire.FindNode, Nodes: []nodeid.Peer{peer}},
	}
	data, err := wire.Encode(reply)
	require.NoError(t, err)
	h.sock.Deliver(peer.Endpoint, data)

	select {
	case r := <-result:
		require.NoError(t, r.err)
		assert.Equal(t, []nodeid.Peer{peer}, r.nodes)
	case <-time.After(time.Second):
		t.Fatal("find_node never returned")
	}

	st := h.routing.NodeState(peer)
	assert.Equal(t, routingmeta.Good, st.Class)
}

func TestUnsolicitedQueryInsertsNodeAndResponds(t *testing.T) {
	h := newHarness(t)
	remoteID := nodeid.NodeID{0xCC}
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 4), Port: 7002}

	query := &wire.Message{
		Kind: wire.KindQuery, Tag: 1234, SenderID: remoteID,
		Query: &wire.Query{Type: wire.Ping},
	}
	data, err := wire.Encode(query)
	require.NoError(t, err)
	h.sock.Deliver(ep, data)

	resp := waitForSent(t, h.sock, 1)
	assert.Equal(t, wire.KindResponse, resp.Kind)
	assert.Equal(t, uint16(1234), resp.Tag)
	assert.Equal(t, h.self, resp.SenderID)

	h.corr.Sync()
	require.Eventually(t, func() bool {
		return h.routing.IsMember(nodeid.Peer{ID: remoteID, Endpoint: ep})
	}, time.Second, time.Millisecond, "an unsolicited query must insert_node the sender")
}

func TestStoreTokenValidAcrossRotationsThenRejected(t *testing.T) {
	h := newHarness(t)
	ep := nodeid.Endpoint{IP: net.IPv4(10, 0, 0, 5), Port: 7003}
	sender := nodeid.NodeID{0xDD}
	var infoHash nodeid.InfoHash
	infoHash[0] = 0x01

	deliverAndWait := func(msg *wire.Message, wantSent int) *wire.Message {
		data, err := wire.Encode(msg)
		require.NoError(t, err)
		h.sock.Deliver(ep, data)
		return waitForSent(t, h.sock, wantSent)
	}

	fvResp := deliverAndWait(&wire.Message{
		Kind: wire.KindQuery, Tag: 1, SenderID: sender,
		Query: &wire.Query{Type: wire.FindValue, Target: infoHash},
	}, 1)
	require.NotNil(t, fvResp.Response)
	tok := fvResp.Response.Token

	storeMsg := func(tag uint16, port uint16) *wire.Message {
		return &wire.Message{
			Kind: wire.KindQuery, Tag: tag, SenderID: sender,
			Query: &wire.Query{Type: wire.Store, Token: tok, ID: infoHash, Port: port},
		}
	}

	// Immediately after the find_value: the newest token is accepted.
	r := deliverAndWait(storeMsg(2, 1001), 2)
	assert.Equal(t, wire.Store, r.Response.Type)
	h.corr.Sync()
	require.Contains(t, h.store.Find(infoHash), nodeid.Endpoint{IP: ep.IP, Port: 1001})

	// Two rotations later the same token is still in the queue: the
	// queue holds 3 secrets, so the newest of the original three, which
	// the token was built from, is still present after two rotations
	// shift it to the head (oldest) slot.
	h.clk.Run(dhtnet.TokenLifetime + time.Millisecond)
	h.clk.Run(dhtnet.TokenLifetime + time.Millisecond)
	r = deliverAndWait(storeMsg(3, 1002), 3)
	assert.Equal(t, wire.Store, r.Response.Type)
	h.corr.Sync()
	require.Contains(t, h.store.Find(infoHash), nodeid.Endpoint{IP: ep.IP, Port: 1002})

	// A third rotation drops the secret the token was built from; the
	// store is silently rejected but still acknowledged.
	h.clk.Run(dhtnet.TokenLifetime + time.Millisecond)
	r = deliverAndWait(storeMsg(4, 1003), 4)
	assert.Equal(t, wire.Store, r.Response.Type, "store always acks, valid token or not")
	h.corr.Sync()
	assert.NotContains(t, h.store.Find(infoHash), nodeid.Endpoint{IP: ep.IP, Port: 1003})
}
