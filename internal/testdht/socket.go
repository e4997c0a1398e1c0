// Package testdht supplies net's test-only fixtures: an in-memory
// Socket so the correlator's tests exercise real tag allocation,
// timeout, and token logic without binding a real UDP port, mirroring
// how go-ethereum's p2p/discover package tests Table against a fake
// transport instead of a live socket.
package testdht

import (
	"io"
	"sync"

	dhtnet "github.com/knewter/dht/net"
	"github.com/knewter/dht/nodeid"
)

var _ dhtnet.Socket = (*FakeSocket)(nil)

// SentPacket records one outbound datagram observed by a test.
type SentPacket struct {
	To   nodeid.Endpoint
	Data []byte
}

type datagram struct {
	data []byte
	from nodeid.Endpoint
}

// FakeSocket implements net.Socket entirely in memory. Deliver injects
// an inbound datagram as though it arrived over the wire; Sent
// returns everything written with SendTo so far.
type FakeSocket struct {
	mu      sync.Mutex
	local   nodeid.Endpoint
	inbox   chan datagram
	sent    []SentPacket
	closed  bool
	closeCh chan struct{}
}

// NewFakeSocket returns a FakeSocket bound to the given local address.
func NewFakeSocket(local nodeid.Endpoint) *FakeSocket {
	return &FakeSocket{
		local:   local,
		inbox:   make(chan datagram, 64),
		closeCh: make(chan struct{}),
	}
}

func (s *FakeSocket) LocalAddr() nodeid.Endpoint { return s.local }

func (s *FakeSocket) SendTo(ep nodeid.Endpoint, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, SentPacket{To: ep, Data: cp})
	return nil
}

func (s *FakeSocket) ReadFrom(buf []byte) (int, nodeid.Endpoint, error) {
	select {
	case d := <-s.inbox:
		n := copy(buf, d.data)
		return n, d.from, nil
	case <-s.closeCh:
		return 0, nodeid.Endpoint{}, io.EOF
	}
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

// Deliver injects data as a datagram that appears to come from from.
// It blocks if the fake's mailbox (capacity 64) is full, the same
// backpressure a real bounded UDP mailbox would apply.
func (s *FakeSocket) Deliver(from nodeid.Endpoint, data []byte) {
	s.inbox <- datagram{data: data, from: from}
}

// Sent returns a snapshot of every datagram written so far.
func (s *FakeSocket) Sent() []SentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentPacket, len(s.sent))
	copy(out, s.sent)
	return out
}

// LastSent returns the most recently sent packet, or false if none.
func (s *FakeSocket) LastSent() (SentPacket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return SentPacket{}, false
	}
	return s.sent[len(s.sent)-1], true
}
