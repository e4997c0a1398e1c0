package net

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/randsrc"
)

// TokenQueueLen and TokenLifetime are the token-rotation defaults:
// how many past secrets remain valid, and how often the queue
// rotates.
const (
	TokenQueueLen = 3
	TokenLifetime = 5 * time.Minute
)

// newTokenQueue generates TokenQueueLen random secrets, oldest first.
func newTokenQueue(rnd randsrc.Rand) []uint32 {
	q := make([]uint32, TokenQueueLen)
	for i := range q {
		q[i] = rnd.U32()
	}
	return q
}

// rotateTokens drops the head (oldest) secret and appends a fresh one,
// returning a new slice so a snapshot taken by a concurrently running
// query-handler sub-task is never mutated out from under it.
func rotateTokens(q []uint32, rnd randsrc.Rand) []uint32 {
	next := make([]uint32, 0, len(q))
	next = append(next, q[1:]...)
	next = append(next, rnd.U32())
	return next
}

// tokenValue is hash32(ip, port, secret): a non-cryptographic hash,
// adequate for spam-filtering a store RPC but not for authentication
// against a determined on-path attacker. hash/fnv is the stdlib choice
// here since no pack library offers a bare 32-bit non-crypto hash and
// a cryptographic hash would misrepresent the security this token
// actually provides.
func tokenValue(ep nodeid.Endpoint, secret uint32) nodeid.Token {
	h := fnv.New32a()
	_, _ = h.Write(ep.IP.To16())
	var tail [6]byte
	binary.BigEndian.PutUint16(tail[0:2], ep.Port)
	binary.BigEndian.PutUint32(tail[2:6], secret)
	_, _ = h.Write(tail[:])
	return nodeid.Token(h.Sum32())
}

// newestToken returns token_value(peer, tail) using the newest
// (last) secret in the queue, which find_value's response token
// always uses.
func newestToken(q []uint32, ep nodeid.Endpoint) nodeid.Token {
	return tokenValue(ep, q[len(q)-1])
}

// tokenValid reports whether tok equals token_value(ep, s) for any
// secret s currently in the queue.
func tokenValid(q []uint32, ep nodeid.Endpoint, tok nodeid.Token) bool {
	for _, s := range q {
		if tokenValue(ep, s) == tok {
			return true
		}
	}
	return false
}
