// Package routingmeta wraps a routing table with per-node and
// per-range liveness timers: good/questionable/bad node classification
// and range-refresh scheduling, built on top of a table the way
// go-ethereum's p2p/discover.Table wraps bucket storage with
// bonding/revalidation, recast here as a small set of pure
// insert/replace/remove/touch/timeout operations a caller drives.
package routingmeta

import (
	"sync"
	"time"

	"github.com/knewter/dht/clock"
	"github.com/knewter/dht/log"
	"github.com/knewter/dht/metrics"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/randsrc"
	"github.com/knewter/dht/routingtable"
)

// NodeTimeout and RangeTimeout are BEP-5's default 15 minute liveness
// windows.
const (
	NodeTimeout  = 15 * time.Minute
	RangeTimeout = 15 * time.Minute
)

var logger = log.NewModuleLogger(log.RoutingMeta)

type nodeEntry struct {
	lastActivity clock.AbsTime
	timeoutCount int
	reachable    bool
}

type rangeEntry struct {
	lastActivity clock.AbsTime
	timer        clock.Timer
}

// Routing is the core type of this package: a routing table plus
// per-node and per-range liveness metadata.
type Routing struct {
	mu     sync.Mutex
	table  routingtable.Table
	clk    clock.Clock
	rnd    randsrc.Rand
	nodes  map[nodeid.NodeID]*nodeEntry
	ranges map[routingtable.Range]*rangeEntry

	// RangeExpired receives a Range whenever its refresh timer fires.
	// The owning collaborator is expected to drain it and call
	// RangeState to decide whether to act; Routing does not rearm
	// automatically.
	RangeExpired chan routingtable.Range
}

// New builds routing metadata over table, reconstructing timers from
// the current clock rather than persisted state, so a process restart
// never needs to carry timer state across. Existing nodes start out
// stale-but-not-bad (last_activity = now-NodeTimeout, timeout_count =
// 0, unreachable); existing ranges get a fresh RANGE_TIMEOUT timer.
func New(table routingtable.Table, clk clock.Clock, rnd randsrc.Rand) (nodeid.NodeID, *Routing) {
	r := &Routing{
		table:        table,
		clk:          clk,
		rnd:          rnd,
		nodes:        make(map[nodeid.NodeID]*nodeEntry),
		ranges:       make(map[routingtable.Range]*rangeEntry),
		RangeExpired: make(chan routingtable.Range, 64),
	}
	now := clk.Now()
	for _, p := range table.NodeList() {
		r.nodes[p.ID] = &nodeEntry{lastActivity: now.Add(-NodeTimeout), timeoutCount: 0, reachable: false}
	}
	for _, rg := range table.Ranges() {
		r.armRangeTimer(rg, now)
	}
	r.updateGauges()
	return table.LocalID(), r
}

func (r *Routing) armRangeTimer(rg routingtable.Range, lastActivity clock.AbsTime) {
	d := mkTimerDelay(r.clk.Now(), lastActivity, RangeTimeout)
	t := r.clk.AfterFunc(d, func() { r.fireRangeExpired(rg) })
	r.ranges[rg] = &rangeEntry{lastActivity: lastActivity, timer: t}
}

func (r *Routing) fireRangeExpired(rg routingtable.Range) {
	select {
	case r.RangeExpired <- rg:
	default:
		logger.Warn("RangeExpired channel full, dropping notification", "range", rg)
	}
}

// mkTimerDelay computes how long until a timer started at start with
// period interval should next fire: max(0, interval-(now-start)).
func mkTimerDelay(now, start clock.AbsTime, interval time.Duration) time.Duration {
	remaining := interval - now.Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// checkedAge computes now-last, raising a fatal error if the clock has
// apparently moved backwards past a recorded activity timestamp.
func checkedAge(now, last clock.AbsTime) time.Duration {
	if now < last {
		logger.Crit("time_warp_future: now precedes recorded last_activity", "now", now, "last_activity", last)
	}
	return now.Sub(last)
}

// IsMember reports table membership.
func (r *Routing) IsMember(p nodeid.Peer) bool { return r.table.IsMember(p) }

// NodeList mirrors table.NodeList.
func (r *Routing) NodeList() []nodeid.Peer { return r.table.NodeList() }

// RangeMembers mirrors table.RangeMembers.
func (r *Routing) RangeMembers(rg routingtable.Range) []nodeid.Peer { return r.table.RangeMembers(rg) }

// Insert adds a new peer to the table (precondition: the peer must not
// already be a member), reconciling range timers against whatever
// split the table performed.
func (r *Routing) Insert(p nodeid.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table.IsMember(p) {
		// Precondition violation: defensively refuse rather than let
		// the table accumulate a duplicate bucket entry.
		return ErrNotInserted
	}

	oldRanges := rangeSet(r.table.Ranges())
	// The table may split ranges even when it ends up refusing p, so the
	// range reconciliation below runs on both outcomes.
	inserted := r.table.Insert(p) == nil && r.table.IsMember(p)

	now := r.clk.Now()
	if inserted {
		r.nodes[p.ID] = &nodeEntry{lastActivity: now, timeoutCount: 0, reachable: false}
	}

	newRanges := rangeSet(r.table.Ranges())
	for rg := range oldRanges {
		if !newRanges[rg] {
			if e, ok := r.ranges[rg]; ok {
				e.timer.Stop()
				delete(r.ranges, rg)
			}
		}
	}
	for rg := range newRanges {
		if !oldRanges[rg] {
			r.armRangeTimer(rg, r.oldestActivityIn(rg, now))
		}
	}
	r.updateGauges()
	if !inserted {
		return ErrNotInserted
	}
	return nil
}

func rangeSet(rs []routingtable.Range) map[routingtable.Range]bool {
	m := make(map[routingtable.Range]bool, len(rs))
	for _, rg := range rs {
		m[rg] = true
	}
	return m
}

// oldestActivityIn returns the oldest last_activity among a range's
// current members, or now if it has none.
func (r *Routing) oldestActivityIn(rg routingtable.Range, now clock.AbsTime) clock.AbsTime {
	members := r.table.RangeMembers(rg)
	if len(members) == 0 {
		return now
	}
	oldest := now
	for i, m := range members {
		la := r.lastActivityOf(m.ID, now)
		if i == 0 || la < oldest {
			oldest = la
		}
	}
	return oldest
}

func (r *Routing) lastActivityOf(id nodeid.NodeID, fallback clock.AbsTime) clock.AbsTime {
	if e, ok := r.nodes[id]; ok {
		return e.lastActivity
	}
	return fallback
}

// Replace swaps a bad node out for a new one. Like the rest of
// Routing, it assumes a single-writer owner: the precondition check
// and the mutation below are not one atomic critical section.
func (r *Routing) Replace(old, new nodeid.Peer) error {
	r.mu.Lock()
	oldState := r.nodeStateLocked(old.ID)
	newIsMember := r.table.IsMember(new)
	r.mu.Unlock()

	if oldState.Class != Bad || newIsMember {
		return ErrPreconditionFailed
	}

	r.mu.Lock()
	r.table.Delete(old)
	delete(r.nodes, old.ID)
	r.mu.Unlock()

	return r.Insert(new)
}

// Remove deletes a node the table believes is bad. Range timers are
// not recomputed; they self-correct on next expiry or an explicit
// ResetRangeTimer.
func (r *Routing) Remove(p nodeid.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodeStateLocked(p.ID).Class != Bad {
		return ErrPreconditionFailed
	}
	r.table.Delete(p)
	delete(r.nodes, p.ID)
	r.updateGauges()
	return nil
}

// NodeTouch records inbound/outbound traffic with a peer. A
// reachable=true touch always (re)confirms the node; a reachable=false
// touch only refreshes a node that was already confirmed reachable —
// an unsolicited inbound from an unverified peer never upgrades it, it
// only delays the next timeout sweep on a node already known good.
func (r *Routing) NodeTouch(p nodeid.Peer, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()

	if reachable {
		r.nodes[p.ID] = &nodeEntry{lastActivity: now, timeoutCount: 0, reachable: true}
		return
	}
	e, ok := r.nodes[p.ID]
	if !ok || !e.reachable {
		return
	}
	e.lastActivity = now
	e.timeoutCount = 0
}

// NodeTimeout records a timed-out request to p; classification is
// derived on read, not here.
func (r *Routing) NodeTimeout(p nodeid.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[p.ID]
	if !ok {
		return
	}
	e.timeoutCount++
	if e.timeoutCount == 3 {
		metrics.BadNodeCounter.Inc(1)
	}
}

// ResetRangeTimer rearms rg's timer. With force, the new last_activity
// is now; otherwise it is the oldest current member activity (or now
// if empty).
func (r *Routing) ResetRangeTimer(rg routingtable.Range, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.table.IsRange(rg) {
		return ErrNotMember
	}
	now := r.clk.Now()
	var la clock.AbsTime
	if force {
		la = now
	} else {
		la = r.oldestActivityIn(rg, now)
	}
	if e, ok := r.ranges[rg]; ok {
		e.timer.Stop()
		delete(r.ranges, rg)
	}
	r.armRangeTimer(rg, la)
	return nil
}

// NodeState derives the BEP-5 liveness class of p. Peers routingmeta
// has never seen touch/timeout activity for (e.g.
// queried directly via the table without ever being inserted through
// Insert) are reported Bad, since no activity timestamp exists to
// judge freshness by.
func (r *Routing) NodeState(p nodeid.Peer) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodeStateLocked(p.ID)
}

func (r *Routing) nodeStateLocked(id nodeid.NodeID) NodeState {
	e, ok := r.nodes[id]
	if !ok {
		return NodeState{Class: Bad}
	}
	if e.timeoutCount > 2 {
		return NodeState{Class: Bad}
	}
	age := checkedAge(r.clk.Now(), e.lastActivity)
	if age < NodeTimeout {
		return NodeState{Class: Good}
	}
	return NodeState{Class: Questionable, Age: age - NodeTimeout}
}

// RangeState derives whether rg needs a refresh lookup.
func (r *Routing) RangeState(rg routingtable.Range) (RangeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.table.IsRange(rg) {
		return RangeState{}, ErrNotMember
	}
	members := r.table.RangeMembers(rg)
	if len(members) == 0 {
		return RangeState{Status: RangeEmpty}, nil
	}

	now := r.clk.Now()
	var newest clock.AbsTime
	for i, m := range members {
		la := r.lastActivityOf(m.ID, now)
		if i == 0 || la > newest {
			newest = la
		}
	}
	if checkedAge(now, newest) <= RangeTimeout {
		return RangeState{Status: RangeOK}, nil
	}
	target := members[r.rnd.Pick(len(members))].ID
	return RangeState{Status: RangeNeedsRefresh, RefreshTarget: target}, nil
}

// Neighbors returns up to k peers closest to id: good peers first
// (closest first), then enough questionable peers to reach k. Bad
// peers are never returned.
func (r *Routing) Neighbors(id nodeid.ID, k int) []nodeid.Peer {
	good := r.table.ClosestTo(id, r.classFilter(Good), k)
	if len(good) >= k {
		return good
	}
	rest := r.table.ClosestTo(id, r.classFilter(Questionable), k-len(good))
	return append(good, rest...)
}

func (r *Routing) classFilter(want Class) routingtable.Filter {
	return func(p nodeid.Peer) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.nodeStateLocked(p.ID).Class == want
	}
}

func (r *Routing) updateGauges() {
	metrics.KnownNodesGauge.Update(int64(len(r.table.NodeList())))
	metrics.ActiveRangesGauge.Update(int64(len(r.ranges)))
}

// Export returns the bare routing table; timers are deliberately
// ephemeral and are never persisted.
func (r *Routing) Export() routingtable.Table { return r.table }
