// Package nodeid defines the fixed-width identifiers and addressing
// types shared across the DHT node: NodeID / InfoHash / Token, Peer,
// Endpoint, plus the XOR-distance and common-prefix-length helpers
// used by routingtable and routingmeta to order the keyspace,
// grounded on the CommonPrefixLen/peerDistanceSorter idiom of
// diogo464-go-libp2p-kbucket/table.go.
package nodeid

import (
	"bytes"
	"encoding/hex"
	"math/bits"
	"net"
	"strconv"
)

// Size is the width, in bytes, of a NodeID/InfoHash (160 bits, as in
// BEP-5 / Kademlia-for-BitTorrent).
const Size = 20

// ID is a 160-bit opaque identifier. NodeID and InfoHash share this
// representation, as in BEP-5.
type ID [Size]byte

// NodeID identifies a participant in the DHT.
type NodeID = ID

// InfoHash identifies a stored value (a BitTorrent info-hash).
type InfoHash = ID

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) IsZero() bool { return id == ID{} }

// Token is the short opaque value a node must echo back in store to
// prove it recently performed a find_value against this node.
type Token uint32

// Endpoint is a bare (ip, port) pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Port == o.Port && e.IP.Equal(o.IP)
}

// Peer is a NodeID bound to an Endpoint.
type Peer struct {
	ID NodeID
	Endpoint
}

func (p Peer) Equal(o Peer) bool {
	return p.ID == o.ID && p.Endpoint.Equal(o.Endpoint)
}

// EndpointEqual compares two peers by endpoint only, ignoring the
// claimed ID — used by find_node's self-filter, which excludes the
// asking peer by (ip, port) alone since its claimed node ID cannot be
// trusted yet.
func EndpointEqual(p Peer, e Endpoint) bool {
	return p.Endpoint.Equal(e)
}

// Distance returns the bitwise XOR distance between a and b, the
// Kademlia metric used for both "closest_to" ordering and
// common-prefix-length bucket indexing.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is strictly less than d2, i.e.
// whichever peer it belongs to is closer to the target.
func Less(d1, d2 ID) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// CommonPrefixLen returns the number of leading bits shared by a and
// b, used to select a node's bucket/range index (cpl-th bucket holds
// peers sharing exactly cpl leading bits with the local id, mirroring
// diogo464-go-libp2p-kbucket/table.go's CommonPrefixLen).
func CommonPrefixLen(a, b ID) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		return i*8 + bits.LeadingZeros8(x)
	}
	return Size * 8
}
