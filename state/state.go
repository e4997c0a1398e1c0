// Package state is the thin policy glue that drives routingmeta from
// the traffic the net correlator observes: node ID lookups, closest-
// peer queries, node insertion and liveness notification. It mirrors
// the bonding step of go-ethereum's p2p/discover.Table.bond, stripped
// of the ping/pong verification RPC itself (that belongs to net, which
// calls back into this package rather than the other way around).
package state

import (
	"github.com/knewter/dht/log"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/routingmeta"
	"github.com/knewter/dht/routingtable"
)

var logger = log.NewModuleLogger(log.State)

// DefaultNeighbors is how many peers closest_to returns by default,
// matching the routing table's bucket width.
const DefaultNeighbors = 16

// State owns a routingmeta.Routing and the local node ID, and
// implements the four operations the net correlator and query
// handlers consult. Its methods are safe for concurrent use: they
// forward to Routing, which owns its own lock.
type State struct {
	id      nodeid.NodeID
	routing *routingmeta.Routing
}

// New wraps an already-constructed routing metadata instance.
func New(id nodeid.NodeID, routing *routingmeta.Routing) *State {
	return &State{id: id, routing: routing}
}

// NodeID is state.node_id().
func (s *State) NodeID() nodeid.NodeID { return s.id }

// ClosestTo is state.closest_to(id), delegating to
// Routing.Neighbors with DefaultNeighbors.
func (s *State) ClosestTo(id nodeid.ID) []nodeid.Peer {
	return s.routing.Neighbors(id, DefaultNeighbors)
}

// InsertNode is state.insert_node(peer): best-effort bonding of a
// newly observed peer into the routing table. A peer already a member,
// or one the table declines (its bucket is full and cannot split), is not
// an error here — callers run this as a fire-and-forget sub-task, and
// its failures must not propagate back to them.
func (s *State) InsertNode(p nodeid.Peer) {
	if p.ID == s.id {
		return
	}
	if s.routing.IsMember(p) {
		s.routing.NodeTouch(p, false)
		return
	}
	if err := s.routing.Insert(p); err != nil {
		logger.Debug("insert_node declined", "peer", p.ID, "err", err)
	}
}

// Notify is state.notify(peer, request_success): the net correlator's
// report of whether an RPC it issued to peer completed successfully.
// A successful round trip is a reachable touch; a failure is a
// timeout strike.
func (s *State) Notify(p nodeid.Peer, success bool) {
	if !s.routing.IsMember(p) {
		return
	}
	if success {
		s.routing.NodeTouch(p, true)
		return
	}
	s.routing.NodeTimeout(p)
}

// RunRangeRefresher drains routing.RangeExpired for as long as done is
// open: for every range whose timer fired, it asks Routing whether the
// range actually needs a refresh (a member may have been touched since
// the timer was armed) and, if so, resolves the chosen refresh
// target to a full Peer and hands it to refresh — ordinarily
// net.Correlator.FindNode — before rearming the range's timer. This
// package does not import net directly so the caller supplies the
// lookup as a callback; it is meant to run in its own goroutine for
// the life of the node.
func (s *State) RunRangeRefresher(done <-chan struct{}, refresh func(nodeid.Peer)) {
	for {
		select {
		case rg := <-s.routing.RangeExpired:
			s.handleRangeExpired(rg, refresh)
		case <-done:
			return
		}
	}
}

func (s *State) handleRangeExpired(rg routingtable.Range, refresh func(nodeid.Peer)) {
	st, err := s.routing.RangeState(rg)
	if err != nil {
		// The range was split or otherwise no longer recognized between
		// the timer firing and this drain; nothing to rearm.
		return
	}
	if st.Status == routingmeta.RangeNeedsRefresh {
		for _, p := range s.routing.RangeMembers(rg) {
			if p.ID == st.RefreshTarget {
				refresh(p)
				break
			}
		}
	}
	// Routing never rearms a range's timer on its own; the owner that
	// drains RangeExpired is responsible for it, or the range goes
	// silent forever after its first expiry.
	if err := s.routing.ResetRangeTimer(rg, false); err != nil {
		logger.Debug("range timer rearm skipped", "range", rg, "err", err)
	}
}
