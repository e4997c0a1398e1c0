package net

import (
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/wire"
)

// handleQuery answers one inbound unsolicited query, run as a detached
// sub-task so a slow or panicking handler cannot stall the
// correlator's main loop. tokens is the snapshot taken at dispatch
// time; rotateTokens always builds a new backing slice, so reading it
// here races with nothing.
func (c *Correlator) handleQuery(msg *wire.Message, from nodeid.Endpoint, tokens []uint32) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("query handler sub-task panicked", "from", from, "recovered", r)
		}
	}()

	resp := c.buildResponse(msg, from, tokens)
	data, err := wire.Encode(resp)
	if err != nil {
		logger.Error("encode response failed", "to", from, "err", err)
		return
	}
	if err := c.sock.SendTo(from, data); err != nil {
		logger.Warn("send response failed", "to", from, "err", err)
	}
}

// safeInsertNode runs state.InsertNode as a detached sub-task,
// recovering from a panic the same way handleQuery does: a bad insert
// must not take the correlator down with it.
func (c *Correlator) safeInsertNode(p nodeid.Peer) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("insert_node sub-task panicked", "peer", p.ID, "recovered", r)
		}
	}()
	c.state.InsertNode(p)
}

func (c *Correlator) buildResponse(msg *wire.Message, from nodeid.Endpoint, tokens []uint32) *wire.Message {
	ownID := c.state.NodeID()
	q := msg.Query

	switch q.Type {
	case wire.Ping:
		return &wire.Message{
			Kind: wire.KindResponse, Tag: msg.Tag, SenderID: ownID,
			Response: &wire.Response{Type: wire.Ping},
		}

	case wire.FindNode:
		peers := excludeEndpoint(c.state.ClosestTo(q.Target), from)
		return &wire.Message{
			Kind: wire.KindResponse, Tag: msg.Tag, SenderID: ownID,
			Response: &wire.Response{Type: wire.FindNode, Nodes: peers},
		}

	case wire.FindValue:
		tok := newestToken(tokens, from)
		if values := c.store.Find(q.Target); len(values) > 0 {
			return &wire.Message{
				Kind: wire.KindResponse, Tag: msg.Tag, SenderID: ownID,
				Response: &wire.Response{Type: wire.FindValue, Token: tok, Values: values},
			}
		}
		peers := excludeEndpoint(c.state.ClosestTo(q.Target), from)
		return &wire.Message{
			Kind: wire.KindResponse, Tag: msg.Tag, SenderID: ownID,
			Response: &wire.Response{Type: wire.FindValue, Token: tok, Nodes: peers},
		}

	case wire.Store:
		// A mismatched token is silently ignored; the peer still gets
		// a plain ok response.
		if tokenValid(tokens, from, q.Token) {
			c.store.StoreEndpoint(q.ID, nodeid.Endpoint{IP: from.IP, Port: q.Port})
		}
		return &wire.Message{
			Kind: wire.KindResponse, Tag: msg.Tag, SenderID: ownID,
			Response: &wire.Response{Type: wire.Store},
		}

	default:
		return &wire.Message{
			Kind: wire.KindError, Tag: msg.Tag, SenderID: ownID,
			Error: &wire.ErrorInfo{Code: 1, Msg: "unknown query type"},
		}
	}
}

// excludeEndpoint drops the peer matching from by (ip, port), ignoring
// its claimed node ID: the asking peer is filtered by address alone,
// since its claimed ID cannot be trusted yet.
func excludeEndpoint(peers []nodeid.Peer, from nodeid.Endpoint) []nodeid.Peer {
	out := make([]nodeid.Peer, 0, len(peers))
	for _, p := range peers {
		if nodeid.EndpointEqual(p, from) {
			continue
		}
		out = append(out, p)
	}
	return out
}
