package routingmeta

import (
	"time"

	"github.com/knewter/dht/nodeid"
)

// Class is the BEP-5 liveness classification of a node.
type Class int

const (
	Good Class = iota
	Questionable
	Bad
)

func (c Class) String() string {
	switch c {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// NodeState is the result of node_state(ns): a class, plus — for
// Questionable only — how far past NODE_TIMEOUT the node's last
// activity is.
type NodeState struct {
	Class Class
	Age   time.Duration
}

// RangeStatus is the result of range_state(range).
type RangeStatus int

const (
	// RangeOK means the range's most recently active member is within
	// RANGE_TIMEOUT; no refresh is needed.
	RangeOK RangeStatus = iota
	// RangeEmpty means the range currently has no members.
	RangeEmpty
	// RangeNeedsRefresh means the range is stale; RefreshTarget names a
	// member to use as the find_node target for the refresh lookup.
	RangeNeedsRefresh
)

// RangeState is the result of range_state(range).
type RangeState struct {
	Status        RangeStatus
	RefreshTarget nodeid.NodeID // valid only when Status == RangeNeedsRefresh
}
