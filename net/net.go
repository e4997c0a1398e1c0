// Package net implements the RPC correlator: a single-socket datagram
// server that multiplexes ping/find_node/find_value/store RPCs over
// one UDP socket using 16-bit transaction tags, enforces a timeout per
// outstanding request, and answers inbound queries using the routing
// (via state) and store collaborators.
//
// The correlator is a single-threaded cooperative actor: one goroutine
// (run) owns outstanding, tokens and all outgoing query sends; everything
// else — public callers, the receive loop, fired timers — communicates
// with it only by channel send, never by touching its state directly.
// Responses to inbound queries are written to the socket by the
// detached query-handler sub-tasks themselves.
// This mirrors go-ethereum's Table.loop in
// p2p/discover/table.go, generalized from a fixed set of
// bucket-refresh events to this package's RPC/timeout/token-rotation
// events.
package net

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/knewter/dht/clock"
	"github.com/knewter/dht/log"
	"github.com/knewter/dht/metrics"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/randsrc"
	"github.com/knewter/dht/state"
	"github.com/knewter/dht/store"
	"github.com/knewter/dht/wire"
)

var logger = log.NewModuleLogger(log.Net)

// QueryTimeout and TagRetryLimit are the correlator's tunable
// defaults: how long an outstanding request waits for a reply, and how
// many times tag allocation retries a collision before giving up.
const (
	QueryTimeout  = 2000 * time.Millisecond
	TagRetryLimit = 16
	// UDPMailboxSize bounds how many inbound datagrams the receive
	// loop may get ahead of the actor by. A buffered channel gives a
	// natural "deliver a batch, then pause" flow control: recvLoop
	// blocks on a full channel until run drains one, which re-arms
	// room for another datagram, without a separate notification
	// message.
	UDPMailboxSize = 16
)

// ErrClosed is returned to any caller still waiting when Close is
// called.
var ErrClosed = errors.New("correlator closed")

type outKey struct {
	ep  nodeid.Endpoint
	tag uint16
}

type waiterResult struct {
	msg *wire.Message
	err error
}

type outEntry struct {
	waiter chan waiterResult
	timer  clock.Timer
}

type rawDatagram struct {
	data []byte
	from nodeid.Endpoint
}

type queryRequest struct {
	ep    nodeid.Endpoint
	query *wire.Query
	reply chan waiterResult
}

// Correlator is the net correlator described above.
type Correlator struct {
	sock  Socket
	state *state.State
	store *store.Store
	clk   clock.Clock
	rnd   randsrc.Rand

	inbound  chan rawDatagram
	requests chan *queryRequest
	timeouts chan outKey
	rotateCh chan struct{}
	syncCh   chan chan struct{}
	closeCh  chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup

	// Owned exclusively by run(); no other goroutine may touch these.
	outstanding map[outKey]*outEntry
	tokens      []uint32
}

// New starts a Correlator over sock, using st for routing lookups and
// liveness notification and sr for value storage.
func New(sock Socket, st *state.State, sr *store.Store, clk clock.Clock, rnd randsrc.Rand) *Correlator {
	c := &Correlator{
		sock:        sock,
		state:       st,
		store:       sr,
		clk:         clk,
		rnd:         rnd,
		inbound:     make(chan rawDatagram, UDPMailboxSize),
		requests:    make(chan *queryRequest),
		timeouts:    make(chan outKey),
		rotateCh:    make(chan struct{}),
		syncCh:      make(chan chan struct{}),
		closeCh:     make(chan struct{}),
		outstanding: make(map[outKey]*outEntry),
		tokens:      newTokenQueue(rnd),
	}
	c.armTokenRotation()
	c.wg.Add(2)
	go c.recvLoop()
	go c.run()
	return c
}

// NodePort returns the bound local address. It never touches actor
// state, so it needs no round trip through run().
func (c *Correlator) NodePort() nodeid.Endpoint { return c.sock.LocalAddr() }

// Sync is a barrier that returns once every message submitted to the
// actor before this call has been processed.
func (c *Correlator) Sync() {
	done := make(chan struct{})
	select {
	case c.syncCh <- done:
	case <-c.closeCh:
		return
	}
	<-done
}

// Close stops the receive loop and the actor, releasing the socket
// and failing any still-pending waiter with ErrClosed.
func (c *Correlator) Close() error {
	var sockErr error
	c.closeOne.Do(func() {
		close(c.closeCh)
		sockErr = c.sock.Close()
	})
	c.wg.Wait()
	return sockErr
}

func (c *Correlator) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, from, err := c.sock.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.inbound <- rawDatagram{data: data, from: from}:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Correlator) run() {
	defer c.wg.Done()
	for {
		select {
		case d := <-c.inbound:
			c.handleInbound(d)
		case r := <-c.requests:
			c.handleSendQuery(r)
		case key := <-c.timeouts:
			c.handleTimeout(key)
		case <-c.rotateCh:
			c.handleRotate()
		case done := <-c.syncCh:
			close(done)
		case <-c.closeCh:
			c.shutdown()
			return
		}
	}
}

func (c *Correlator) shutdown() {
	for key, e := range c.outstanding {
		e.timer.Stop()
		e.waiter <- waiterResult{err: ErrClosed}
		delete(c.outstanding, key)
	}
}

func (c *Correlator) armTokenRotation() {
	c.clk.AfterFunc(TokenLifetime, func() {
		select {
		case c.rotateCh <- struct{}{}:
		case <-c.closeCh:
		}
	})
}

func (c *Correlator) handleRotate() {
	c.tokens = rotateTokens(c.tokens, c.rnd)
	metrics.TokenRotationCounter.Inc(1)
	c.armTokenRotation()
}

// allocTag picks a uniformly random 16-bit tag not already outstanding
// for ep, retried up to TagRetryLimit times.
func (c *Correlator) allocTag(ep nodeid.Endpoint) (uint16, error) {
	for i := 0; i < TagRetryLimit; i++ {
		tag := c.rnd.U16()
		if _, busy := c.outstanding[outKey{ep: ep, tag: tag}]; !busy {
			return tag, nil
		}
		metrics.TagRetryCounter.Inc(1)
	}
	metrics.TagExhaustedCounter.Inc(1)
	return 0, ErrTagExhausted
}

func (c *Correlator) handleSendQuery(r *queryRequest) {
	tag, err := c.allocTag(r.ep)
	if err != nil {
		r.reply <- waiterResult{err: err}
		return
	}
	msg := &wire.Message{
		Kind:     wire.KindQuery,
		Tag:      tag,
		SenderID: c.state.NodeID(),
		Query:    r.query,
	}
	data, err := wire.Encode(msg)
	if err != nil {
		r.reply <- waiterResult{err: errors.Wrap(err, "encode query")}
		return
	}
	if err := c.sock.SendTo(r.ep, data); err != nil {
		r.reply <- waiterResult{err: errors.Wrap(ErrSendFailure, err.Error())}
		return
	}

	key := outKey{ep: r.ep, tag: tag}
	timer := c.clk.AfterFunc(QueryTimeout, func() {
		select {
		case c.timeouts <- key:
		case <-c.closeCh:
		}
	})
	c.outstanding[key] = &outEntry{waiter: r.reply, timer: timer}
	metrics.OutstandingGauge.Update(int64(len(c.outstanding)))
}

func (c *Correlator) handleTimeout(key outKey) {
	e, ok := c.outstanding[key]
	if !ok {
		// Raced with a just-delivered reply; nothing to do.
		return
	}
	delete(c.outstanding, key)
	metrics.OutstandingGauge.Update(int64(len(c.outstanding)))
	metrics.TimeoutCounter.Inc(1)
	e.waiter <- waiterResult{err: ErrTimeout}
}

func (c *Correlator) handleInbound(d rawDatagram) {
	msg, err := wire.Decode(d.data)
	if err != nil {
		metrics.DecodeFailureCounter.Inc(1)
		logger.Debug("decode_failure", "from", d.from, "err", err)
		return
	}

	key := outKey{ep: d.from, tag: msg.Tag}
	e, ok := c.outstanding[key]
	if !ok {
		if msg.Kind == wire.KindQuery {
			peer := nodeid.Peer{ID: msg.SenderID, Endpoint: d.from}
			tokens := c.tokens
			go c.safeInsertNode(peer)
			go c.handleQuery(msg, d.from, tokens)
			return
		}
		metrics.UnsolicitedCounter.Inc(1)
		logger.Debug("unsolicited", "from", d.from, "tag", msg.Tag)
		return
	}

	if msg.Kind == wire.KindQuery {
		// A well-behaved peer never echoes our own tag back as a new
		// query; this is a protocol inversion, fatal to the actor.
		logger.Crit("message_to_ourselves", "from", d.from, "tag", msg.Tag)
		return
	}

	e.timer.Stop()
	delete(c.outstanding, key)
	metrics.OutstandingGauge.Update(int64(len(c.outstanding)))
	e.waiter <- waiterResult{msg: msg}
}

func (c *Correlator) sendQuery(ep nodeid.Endpoint, q *wire.Query) (*wire.Message, error) {
	reply := make(chan waiterResult, 1)
	req := &queryRequest{ep: ep, query: q, reply: reply}
	select {
	case c.requests <- req:
	case <-c.closeCh:
		return nil, ErrClosed
	}
	res := <-reply
	return res.msg, res.err
}

// Ping sends a ping query and returns the remote's claimed node ID on
// a response, or ErrPang on timeout.
func (c *Correlator) Ping(ep nodeid.Endpoint) (nodeid.NodeID, error) {
	msg, err := c.sendQuery(ep, &wire.Query{Type: wire.Ping})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nodeid.NodeID{}, ErrPang
		}
		return nodeid.NodeID{}, err
	}
	if msg.Kind == wire.KindError {
		return nodeid.NodeID{}, errors.Wrap(ErrRemote, msg.Error.Msg)
	}
	return msg.SenderID, nil
}

// FindNode sends a find_node query to peer. On success it notifies
// state that peer is alive using the outer peer argument itself, not
// the sender id embedded in the reply: a reply's claimed SenderID is
// unverified, but peer.Endpoint is known to have produced this reply,
// so liveness is credited to the peer we actually queried.
func (c *Correlator) FindNode(peer nodeid.Peer) ([]nodeid.Peer, error) {
	msg, err := c.sendQuery(peer.Endpoint, &wire.Query{Type: wire.FindNode, Target: c.state.NodeID()})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.state.Notify(peer, false)
		}
		return nil, err
	}
	if msg.Kind == wire.KindError {
		return nil, errors.Wrap(ErrRemote, msg.Error.Msg)
	}
	c.state.Notify(peer, true)
	return msg.Response.Nodes, nil
}

// FindValue sends a find_value query for id to ep, returning either
// stored peers or the closer nodes to continue the lookup at, plus a
// token the caller may later present to Store.
func (c *Correlator) FindValue(ep nodeid.Endpoint, id nodeid.InfoHash) (nodes []nodeid.Peer, values []nodeid.Endpoint, token nodeid.Token, err error) {
	msg, err := c.sendQuery(ep, &wire.Query{Type: wire.FindValue, Target: id})
	if err != nil {
		return nil, nil, 0, err
	}
	if msg.Kind == wire.KindError {
		return nil, nil, 0, errors.Wrap(ErrRemote, msg.Error.Msg)
	}
	return msg.Response.Nodes, msg.Response.Values, msg.Response.Token, nil
}

// Store announces that this node is serving id on port, presenting a
// token previously obtained from a FindValue against ep.
func (c *Correlator) Store(ep nodeid.Endpoint, token nodeid.Token, id nodeid.InfoHash, port uint16) error {
	msg, err := c.sendQuery(ep, &wire.Query{Type: wire.Store, Token: token, ID: id, Port: port})
	if err != nil {
		return err
	}
	if msg.Kind == wire.KindError {
		return errors.Wrap(ErrRemote, msg.Error.Msg)
	}
	return nil
}
