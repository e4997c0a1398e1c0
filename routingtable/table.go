// Package routingtable holds the raw peer set that routingmeta layers
// liveness policy on top of. routingmeta depends only on the Table
// interface below; this package supplies one real implementation so
// the module is runnable and testable.
//
// It is a common-prefix-length (CPL) k-bucket table: bucket i holds
// every known peer sharing exactly i leading bits with the local id,
// except the last bucket, which is a catch-all for "cpl >= i" until it
// overflows and is split into two. This is the same unfold-the-last-
// bucket scheme as diogo464-go-libp2p-kbucket/table.go's nextBucket.
package routingtable

import (
	"sort"
	"sync"

	"github.com/knewter/dht/nodeid"
)

// BucketSize is "k" — the BEP-5 default bucket capacity, matching
// go-ethereum's bucketSize constant in p2p/discover/table.go.
const BucketSize = 16

// maxSplitDepth bounds the recursive unfold of the last bucket so a
// pathological input (many peers with identical ids, which cannot
// happen with distinct Peers, or a local id of all zero bits) cannot
// spin forever.
const maxSplitDepth = nodeid.Size * 8

// Range identifies a bucket. Two ranges are equal iff they denote the
// same set of IDs: either they coincide exactly or they are disjoint.
// CatchAll ranges cover every id with at least CPL leading bits shared
// with the local id; splitting a catch-all range always produces two
// genuinely new Range values, never reusing the old one, so a caller
// diffing the range set before and after an insert sees it disappear.
type Range struct {
	CPL      int
	CatchAll bool
}

// Filter selects which peers closest_to may return.
type Filter func(nodeid.Peer) bool

// Table is the interface routingmeta depends on. Insert/Delete mutate
// in place under the table's own lock rather than returning a new
// table value.
type Table interface {
	LocalID() nodeid.NodeID
	IsMember(p nodeid.Peer) bool
	NodeList() []nodeid.Peer
	Ranges() []Range
	IsRange(r Range) bool
	RangeMembers(r Range) []nodeid.Peer
	Insert(p nodeid.Peer) error
	Delete(p nodeid.Peer)
	ClosestTo(target nodeid.ID, filter Filter, k int) []nodeid.Peer
}

// ErrNotInserted is returned by Insert when the peer's bucket is full
// and not splittable.
var ErrNotInserted = tableError("bucket full, peer rejected")

type tableError string

func (e tableError) Error() string { return string(e) }

type bucket struct {
	peers []nodeid.Peer // front = most recently touched
}

func (b *bucket) indexOf(id nodeid.NodeID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) pushFront(p nodeid.Peer) {
	b.peers = append([]nodeid.Peer{p}, b.peers...)
}

func (b *bucket) remove(id nodeid.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return true
}

// CPLTable is the Table implementation described above.
type CPLTable struct {
	mu      sync.RWMutex
	local   nodeid.NodeID
	buckets []*bucket
}

var _ Table = (*CPLTable)(nil)

// New creates an empty table for the given local id.
func New(local nodeid.NodeID) *CPLTable {
	return &CPLTable{local: local, buckets: []*bucket{{}}}
}

func (t *CPLTable) LocalID() nodeid.NodeID { return t.local }

func (t *CPLTable) bucketIndex(id nodeid.NodeID) int {
	cpl := nodeid.CommonPrefixLen(id, t.local)
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

func (t *CPLTable) rangeForIndex(i int) Range {
	if i == len(t.buckets)-1 {
		return Range{CPL: i, CatchAll: true}
	}
	return Range{CPL: i, CatchAll: false}
}

func (t *CPLTable) IsMember(p nodeid.Peer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.bucketIndex(p.ID)
	return t.buckets[idx].indexOf(p.ID) >= 0
}

func (t *CPLTable) NodeList() []nodeid.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []nodeid.Peer
	for _, b := range t.buckets {
		out = append(out, b.peers...)
	}
	return out
}

func (t *CPLTable) Ranges() []Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Range, len(t.buckets))
	for i := range t.buckets {
		out[i] = t.rangeForIndex(i)
	}
	return out
}

func (t *CPLTable) IsRange(r Range) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r.CPL < 0 || r.CPL >= len(t.buckets) {
		return false
	}
	return t.rangeForIndex(r.CPL) == r
}

func (t *CPLTable) RangeMembers(r Range) []nodeid.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r.CPL < 0 || r.CPL >= len(t.buckets) || t.rangeForIndex(r.CPL) != r {
		return nil
	}
	out := make([]nodeid.Peer, len(t.buckets[r.CPL].peers))
	copy(out, t.buckets[r.CPL].peers)
	return out
}

// Insert adds p to its bucket, splitting the last (catch-all) bucket
// as many times as needed to make room. It fails with ErrNotInserted
// if p's bucket is full and is not the catch-all bucket.
func (t *CPLTable) Insert(p nodeid.Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for depth := 0; depth < maxSplitDepth; depth++ {
		idx := t.bucketIndex(p.ID)
		b := t.buckets[idx]
		if len(b.peers) < BucketSize {
			b.pushFront(p)
			return nil
		}
		if idx != len(t.buckets)-1 {
			// Full, non-catch-all bucket: no room, no split possible.
			return ErrNotInserted
		}
		t.splitLast()
	}
	return ErrNotInserted
}

// splitLast partitions the catch-all bucket's members between itself
// (cpl == len-1 exactly) and a freshly appended catch-all bucket
// (cpl >= len), mirroring nextBucket in
// diogo464-go-libp2p-kbucket/table.go.
func (t *CPLTable) splitLast() {
	oldIdx := len(t.buckets) - 1
	old := t.buckets[oldIdx]
	newB := &bucket{}
	t.buckets = append(t.buckets, newB)

	kept := old.peers[:0]
	for _, p := range old.peers {
		if nodeid.CommonPrefixLen(p.ID, t.local) >= oldIdx+1 {
			newB.peers = append(newB.peers, p)
		} else {
			kept = append(kept, p)
		}
	}
	old.peers = kept
}

func (t *CPLTable) Delete(p nodeid.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(p.ID)
	t.buckets[idx].remove(p.ID)
}

// ClosestTo returns up to k peers passing filter, ordered nearest
// first by XOR distance to target, searching outward from target's own
// bucket the way NearestPeers does in
// diogo464-go-libp2p-kbucket/table.go.
func (t *CPLTable) ClosestTo(target nodeid.ID, filter Filter, k int) []nodeid.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if k <= 0 {
		return nil
	}

	cpl := nodeid.CommonPrefixLen(target, t.local)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}

	type candidate struct {
		p nodeid.Peer
		d nodeid.ID
	}
	var cands []candidate
	add := func(b *bucket) {
		for _, p := range b.peers {
			if filter != nil && !filter(p) {
				continue
			}
			cands = append(cands, candidate{p: p, d: nodeid.Distance(target, p.ID)})
		}
	}

	add(t.buckets[cpl])
	for i := cpl + 1; i < len(t.buckets); i++ {
		add(t.buckets[i])
	}
	for i := cpl - 1; i >= 0; i-- {
		add(t.buckets[i])
	}

	sort.Slice(cands, func(i, j int) bool { return nodeid.Less(cands[i].d, cands[j].d) })
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]nodeid.Peer, len(cands))
	for i, c := range cands {
		out[i] = c.p
	}
	return out
}
