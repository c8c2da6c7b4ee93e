package forwarder

import (
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	rate "github.com/beefsack/go-rate"

	"github.com/chrisstaite-go/dote/dnsmsg"
	"github.com/chrisstaite-go/dote/loop"
	"github.com/chrisstaite-go/dote/netio"
	"github.com/chrisstaite-go/dote/tlsconn"
	"github.com/chrisstaite-go/dote/upstreamset"
)

// queueOverflowFactor is the documented bound on the overflow queue: it
// holds at most queueOverflowFactor * max_connections pending queries
// before the oldest is dropped (§9 Open Question: "no explicit
// overflow-queue bound exists in the source… pick a bound and document
// it").
const queueOverflowFactor = 8

// admissionMultiplier scales max_connections into the token-bucket rate:
// at most admissionMultiplier * max_connections queries per second may
// enter the overflow queue, even before it fills (defends against a burst that would
// otherwise instantly saturate the queue and start dropping oldest
// entries that had a real chance of being served soon).
const admissionMultiplier = 4

// PendingQuery is one query awaiting a Forwarder Connection: either
// dispatched immediately or held in the overflow FIFO (§3 "Pending
// query").
type PendingQuery struct {
	ReplySocket *netio.PacketConn
	ClientAddr  net.Addr
	LocalAddr   net.IP
	IfIndex     int
	Frame       []byte
}

// connFactory abstracts Connection construction so tests can substitute
// a fake without dialing real sockets.
type connFactory func(
	l *loop.Loop,
	set *upstreamset.Set,
	tlsCtx *tlsconn.Context,
	onIncoming func(data []byte),
	onShutdown func(),
) (*Connection, bool)

// Dispatcher accepts requests, bounds live upstream connections to
// max_connections, and queues the rest FIFO (§2.7, §4.6).
type Dispatcher struct {
	loop           *loop.Loop
	set            *upstreamset.Set
	tlsCtx         *tlsconn.Context
	maxConnections int
	newConn        connFactory

	mu      sync.Mutex
	live    map[*Connection]struct{}
	queue   []PendingQuery
	limiter *rate.RateLimiter
}

// NewDispatcher returns a Dispatcher bounded to maxConnections live
// Forwarder Connections.
func NewDispatcher(l *loop.Loop, set *upstreamset.Set, tlsCtx *tlsconn.Context, maxConnections int) *Dispatcher {
	return &Dispatcher{
		loop:           l,
		set:            set,
		tlsCtx:         tlsCtx,
		maxConnections: maxConnections,
		newConn:        New,
		live:           make(map[*Connection]struct{}, maxConnections),
		limiter:        rate.New(maxConnections*admissionMultiplier, time.Second),
	}
}

// Live returns the number of currently live Forwarder Connections.
func (d *Dispatcher) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.live)
}

// Queued returns the number of requests currently held in the overflow
// queue.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.queue)
}

// HandleRequest is the Server Ingress's entry point into the dispatcher
// (§4.6, §4.7).
func (d *Dispatcher) HandleRequest(pq PendingQuery) {
	d.mu.Lock()
	underCapacity := len(d.live) < d.maxConnections
	d.mu.Unlock()

	if underCapacity {
		d.start(pq)

		return
	}

	d.enqueue(pq)
}

// start creates a Forwarder Connection for pq and sends its frame. If
// construction fails (pool exhausted or dial failure), the dispatcher
// drains one queued entry to keep progress (§4.6 "the dispatcher drains
// one queue entry to keep progress").
func (d *Dispatcher) start(pq PendingQuery) {
	var conn *Connection

	onIncoming := func(data []byte) { d.deliver(pq, data) }
	onShutdown := func() { d.released(conn) }

	conn, ok := d.newConn(d.loop, d.set, d.tlsCtx, onIncoming, onShutdown)
	if !ok {
		d.drainOne()

		return
	}

	d.mu.Lock()
	d.live[conn] = struct{}{}
	d.mu.Unlock()

	if !conn.Send(pq.Frame) {
		// Cannot happen for a freshly constructed connection under the
		// documented contract, but honour the return value rather than
		// assume it (§4.5 "Send contract").
		conn.Shutdown()
	}
}

// enqueue appends pq to the FIFO overflow queue, admission-limited and
// bounded per queueOverflowFactor (§4.6 "Dequeue ordering", §9 Open
// Question on queue bound).
func (d *Dispatcher) enqueue(pq PendingQuery) {
	if ok, _ := d.limiter.Try(); !ok {
		log.Info("dote: forwarder: warn: admission rate exceeded, dropping query from %s", pq.ClientAddr)

		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	queueCap := d.maxConnections * queueOverflowFactor
	if len(d.queue) >= queueCap {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		log.Info("dote: forwarder: warn: overflow queue full (%d), dropping oldest query from %s", queueCap, dropped.ClientAddr)
	}

	d.queue = append(d.queue, pq)
}

// drainOne pops and starts the oldest queued request, if any.
func (d *Dispatcher) drainOne() {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()

		return
	}

	pq := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()

	d.start(pq)
}

// released removes conn from the live set, then dequeues exactly one
// pending entry, matching §4.6 "one dequeue per completed shutdown; no
// batching".
func (d *Dispatcher) released(conn *Connection) {
	d.mu.Lock()
	delete(d.live, conn)
	d.mu.Unlock()

	d.drainOne()
}

// deliver decodes resp, strips any EDNS(0) padding option, and emits the
// result to pq's client over its reply socket, pinning the reply to the
// interface the query arrived on when that information is available
// (§4.6 "Response emission"; §4.8).
func (d *Dispatcher) deliver(pq PendingQuery, resp []byte) {
	pkt, err := dnsmsg.Parse(resp)
	if err != nil {
		log.Info("dote: forwarder: notice: malformed upstream response for %s: %s", pq.ClientAddr, err)

		return
	}

	if _, err = pkt.RemoveEDNSPadding(); err != nil {
		// Non-fatal per §7: forward the response unmodified.
		log.Info("dote: forwarder: notice: edns padding strip for %s: %s", pq.ClientAddr, err)
	}

	payload, err := pkt.Data()
	if err != nil {
		log.Info("dote: forwarder: notice: re-encoding response for %s: %s", pq.ClientAddr, err)

		return
	}

	if err = pq.ReplySocket.WriteTo(payload, pq.ClientAddr, pq.LocalAddr, pq.IfIndex); err != nil {
		log.Info("dote: forwarder: notice: emitting reply to %s: %s", pq.ClientAddr, err)
	}
}
