// Package wire is the bijection between in-memory DHT messages and
// byte strings sent over the socket, built on encoding/gob rather than
// a BEP-5 bencode codec: both ends of every link here are this same
// package, so there is no interop requirement forcing bencode's exact
// wire format.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/knewter/dht/nodeid"
)

// Kind discriminates the three message shapes: query, response, error.
type Kind uint8

const (
	KindQuery Kind = iota
	KindResponse
	KindError
)

// QueryType discriminates the four RPCs.
type QueryType uint8

const (
	Ping QueryType = iota
	FindNode
	FindValue
	Store
)

func (t QueryType) String() string {
	switch t {
	case Ping:
		return "ping"
	case FindNode:
		return "find_node"
	case FindValue:
		return "find_value"
	case Store:
		return "store"
	default:
		return "unknown"
	}
}

// Query is the union of the four query payloads:
// ping | {find,node,ID} | {find,value,ID} | {store,Token,ID,Port}.
type Query struct {
	Type   QueryType
	Target nodeid.ID     // find_node, find_value: the id being searched for
	Token  nodeid.Token  // store: the token echoed back from a prior find_value
	ID     nodeid.ID     // store: the info-hash being announced
	Port   uint16        // store: the port to record for the announcing peer
}

// Response mirrors the query shape it answers.
type Response struct {
	Type   QueryType
	Nodes  []nodeid.Peer    // find_node; find_value when no values are stored
	Token  nodeid.Token     // find_value only
	Values []nodeid.Endpoint // find_value when store.find(id) is non-empty
}

// ErrorInfo is the payload of an error message.
type ErrorInfo struct {
	Code int
	Msg  string
}

// Message is the wire envelope: a 16-bit transaction Tag shared by all
// three kinds.
type Message struct {
	Kind     Kind
	Tag      uint16
	SenderID nodeid.NodeID

	Query    *Query
	Response *Response
	Error    *ErrorInfo
}

// Encode serializes msg to bytes for Socket.SendTo.
func Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes bytes read off the socket. A decode failure is
// not an error to any caller: the net correlator drops the datagram
// silently on a non-nil error here.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return &msg, nil
}
