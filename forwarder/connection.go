// Package forwarder implements the Forwarder Connection state machine
// (§2.6, §4.5) and the Forwarder Dispatcher (§2.7, §4.6): the bounded,
// per-query TLS pipeline that glues the event loop, TLS session, and
// upstream pool together.
//
// Each Connection owns exactly one goroutine for its entire lifetime
// (dial → handshake → send → read → shutdown); this is the idiomatic Go
// expression of the spec's single-threaded state machine — one
// cooperating goroutine per connection rather than a hand-stepped
// Connecting/Open/ShuttingDown driver re-entered by a central poller.
package forwarder

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/chrisstaite-go/dote/loop"
	"github.com/chrisstaite-go/dote/netio"
	"github.com/chrisstaite-go/dote/tlsconn"
	"github.com/chrisstaite-go/dote/upstreamset"
)

// State is a Forwarder Connection's lifecycle stage (§3).
type State int32

const (
	// Connecting is the initial state: dial and handshake in flight.
	Connecting State = iota
	// Open means the handshake succeeded; the query may be sent and the
	// response awaited.
	Open
	// ShuttingDown means a local or peer close is in progress.
	ShuttingDown
	// Closed is terminal; no further callbacks will ever fire.
	Closed
)

// Connection is one TLS connection to one upstream, carrying exactly one
// in-flight query (§3 "Forwarder Connection").
type Connection struct {
	loop   *loop.Loop
	handle loop.Handle

	set    *upstreamset.Set
	desc   upstreamset.Descriptor
	tlsCtx *tlsconn.Context

	rawConn net.Conn
	session *tlsconn.Session

	deadline time.Time

	state        atomic.Int32
	writeCh      chan []byte
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once

	onIncoming func(data []byte)
	onShutdown func()

	exceptReg *loop.Registration
}

// New dials desc and returns a Connection driving its handshake in the
// background. It returns ok = false without allocating a connection if
// the set has become empty (§3 "new connections fail fast") or the
// initial dial fails — in the latter case desc is marked bad before
// returning, matching §4.5's "connect failure" path.
func New(
	l *loop.Loop,
	set *upstreamset.Set,
	tlsCtx *tlsconn.Context,
	onIncoming func(data []byte),
	onShutdown func(),
) (*Connection, bool) {
	desc, ok := set.Get()
	if !ok {
		return nil, false
	}

	rawConn, err := netio.DialTimeout(desc.RemoteAddr, desc.Timeout)
	if err != nil {
		log.Info("dote: forwarder: notice: dial %s: %s", desc.RemoteAddr, err)
		set.MarkBad(desc)

		return nil, false
	}

	c := &Connection{
		loop:       l,
		handle:     loop.NewHandle(),
		set:        set,
		desc:       desc,
		tlsCtx:     tlsCtx,
		rawConn:    rawConn,
		deadline:   time.Now().Add(desc.Timeout),
		writeCh:    make(chan []byte, 1),
		stopCh:     make(chan struct{}),
		onIncoming: onIncoming,
		onShutdown: onShutdown,
	}

	c.session = tlsconn.New(tlsCtx, rawConn, desc)

	// Live from construction until Closed (§4.5 "Readiness routing").
	reg, _ := l.RegisterExcept(c.handle, c.onException)
	c.exceptReg = reg

	go c.run()

	return c, true
}

// Send enqueues buf to be written once the handshake completes. It
// returns true iff the connection is Connecting or Open and no buffer is
// already pending — only one outstanding buffer is ever accepted, since
// each Connection carries exactly one query (§4.5 "Send contract").
func (c *Connection) Send(buf []byte) bool {
	st := State(c.state.Load())
	if st != Connecting && st != Open {
		return false
	}

	select {
	case c.writeCh <- buf:
		return true
	default:
		return false
	}
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Shutdown requests a graceful close. It is safe to call from any
// goroutine and at any time; it is a no-op once the connection is
// already Closed.
func (c *Connection) Shutdown() {
	if State(c.state.Load()) == Closed {
		return
	}

	c.state.Store(int32(ShuttingDown))
	c.stopOnce.Do(func() { close(c.stopCh) })
	_, _ = c.session.Shutdown()
	c.loop.Except(c.handle)
}

// run drives the connection through Connecting → Open → Closed.
func (c *Connection) run() {
	ctx, cancel := context.WithDeadline(context.Background(), c.deadline)
	defer cancel()

	res, err := c.session.Connect(ctx)
	if res != tlsconn.Success {
		if err != nil {
			log.Info("dote: forwarder: notice: handshake with %s: %s", c.desc.RemoteAddr, err)
		}

		// Only a Connecting-stage failure demotes the upstream (§4.5
		// "marks the upstream bad if the state was Connecting").
		if State(c.state.Load()) == Connecting {
			c.set.MarkBad(c.desc)
		}

		c.finish()

		return
	}

	c.state.Store(int32(Open))

	buf := c.awaitWrite(ctx)
	if buf == nil {
		c.finish()

		return
	}

	if wres, werr := c.session.Write(buf); wres != tlsconn.Success {
		if werr != nil {
			log.Info("dote: forwarder: notice: write to %s: %s", c.desc.RemoteAddr, werr)
		}

		if wres == tlsconn.Fatal {
			c.set.MarkBad(c.desc)
		}

		c.finish()

		return
	}

	_ = c.rawConn.SetReadDeadline(c.deadline)

	rres, data, rerr := c.session.Read()
	switch rres {
	case tlsconn.Success:
		c.onIncoming(data)
	case tlsconn.Fatal:
		if rerr != nil {
			log.Info("dote: forwarder: notice: read from %s: %s", c.desc.RemoteAddr, rerr)
		}

		c.set.MarkBad(c.desc)
	case tlsconn.Closed:
		// Peer closed: not marked bad (§4.5 "Closed-from-peer in Open…
		// does not mark the upstream bad").
	}

	c.finish()
}

// awaitWrite waits for exactly one Send call or the deadline, whichever
// comes first.
func (c *Connection) awaitWrite(ctx context.Context) []byte {
	select {
	case buf := <-c.writeCh:
		return buf
	case <-ctx.Done():
		return nil
	case <-c.stopCh:
		return nil
	}
}

// onException is invoked by the loop when [Connection.Shutdown] raises
// this connection's Except event. Deadlines are not routed here: run
// enforces them through its context and the read deadline.
func (c *Connection) onException() {
	if State(c.state.Load()) == Connecting {
		c.set.MarkBad(c.desc)
	}
}

// finish transitions the connection to Closed and fires onShutdown
// exactly once (§3 invariant "on_shutdown is fired exactly once"; §8
// invariant 2).
func (c *Connection) finish() {
	c.shutdownOnce.Do(func() {
		c.state.Store(int32(Closed))
		_ = c.exceptReg.Close()
		_ = c.rawConn.Close()
		c.onShutdown()
	})
}
