package net

import (
	stdnet "net"

	"github.com/knewter/dht/nodeid"
)

// Socket abstracts raw UDP I/O. The correlator only ever calls SendTo
// and ReadFrom; UDPSocket is the one real implementation, and
// internal/testdht supplies a fake for tests.
type Socket interface {
	LocalAddr() nodeid.Endpoint
	SendTo(ep nodeid.Endpoint, data []byte) error
	// ReadFrom blocks until a datagram arrives or the socket is
	// closed, in which case it returns a non-nil error.
	ReadFrom(buf []byte) (n int, from nodeid.Endpoint, err error)
	Close() error
}

// UDPSocket is a Socket backed by a real stdlib UDP connection.
type UDPSocket struct {
	conn *stdnet.UDPConn
}

var _ Socket = (*UDPSocket)(nil)

// Listen opens a UDP socket on addr (e.g. ":6881"). An empty addr
// binds an ephemeral port on all interfaces.
func Listen(addr string) (*UDPSocket, error) {
	laddr, err := stdnet.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := stdnet.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn}, nil
}

func (s *UDPSocket) LocalAddr() nodeid.Endpoint {
	a := s.conn.LocalAddr().(*stdnet.UDPAddr)
	return nodeid.Endpoint{IP: a.IP, Port: uint16(a.Port)}
}

func (s *UDPSocket) SendTo(ep nodeid.Endpoint, data []byte) error {
	addr := &stdnet.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

func (s *UDPSocket) ReadFrom(buf []byte) (int, nodeid.Endpoint, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nodeid.Endpoint{}, err
	}
	return n, nodeid.Endpoint{IP: addr.IP, Port: uint16(addr.Port)}, nil
}

func (s *UDPSocket) Close() error { return s.conn.Close() }
