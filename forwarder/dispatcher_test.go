package forwarder

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisstaite-go/dote/dnsmsg"
	"github.com/chrisstaite-go/dote/loop"
	"github.com/chrisstaite-go/dote/netio"
	"github.com/chrisstaite-go/dote/tlsconn"
	"github.com/chrisstaite-go/dote/upstreamset"
)

// captured records what a fake connFactory was asked to build, letting a
// test drive onIncoming/onShutdown as if the real Connection's goroutine
// had reached that point.
type captured struct {
	onIncoming func([]byte)
	onShutdown func()
}

func fakeFactory(ok *bool, out *[]captured) connFactory {
	return func(
		_ *loop.Loop,
		_ *upstreamset.Set,
		_ *tlsconn.Context,
		onIncoming func(data []byte),
		onShutdown func(),
	) (*Connection, bool) {
		if !*ok {
			return nil, false
		}

		c := &Connection{writeCh: make(chan []byte, 1), onIncoming: onIncoming, onShutdown: onShutdown}
		*out = append(*out, captured{onIncoming, onShutdown})

		return c, true
	}
}

func testDispatcher(t *testing.T, max int) (*Dispatcher, *bool, *[]captured) {
	t.Helper()

	desc, err := upstreamset.NewDescriptor("127.0.0.1:853", "dote.example", "", true, time.Second)
	require.NoError(t, err)

	set, err := upstreamset.NewSet([]upstreamset.Descriptor{desc})
	require.NoError(t, err)

	d := NewDispatcher(loop.New(), set, tlsconn.NewContext(nil, time.Minute), max)

	ok := true
	var caps []captured
	d.newConn = fakeFactory(&ok, &caps)

	return d, &ok, &caps
}

func pendingQuery(client net.Addr) PendingQuery {
	return PendingQuery{ClientAddr: client, Frame: []byte{0x00, 0x01, 0xAA}}
}

func TestDispatcher_startsImmediatelyUnderCapacity(t *testing.T) {
	d, _, caps := testDispatcher(t, 2)

	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 1}))

	assert.Len(t, *caps, 1)
	assert.Equal(t, 1, d.Live())
	assert.Equal(t, 0, d.Queued())
}

func TestDispatcher_queuesOverCapacityThenDrainsOnRelease(t *testing.T) {
	d, _, caps := testDispatcher(t, 1)

	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 1}))
	require.Len(t, *caps, 1)
	require.Equal(t, 1, d.Live())

	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 2}))
	assert.Len(t, *caps, 1, "second request must queue, not start a second connection")
	assert.Equal(t, 1, d.Queued())

	// Simulate the first connection completing: its onShutdown callback
	// is exactly what Connection.finish calls.
	(*caps)[0].onShutdown()

	assert.Equal(t, 1, d.Live(), "the queued request must have been started in its place")
	assert.Equal(t, 0, d.Queued())
	assert.Len(t, *caps, 2)
}

func TestDispatcher_failedConnectDrainsQueueRecursively(t *testing.T) {
	d, ok, caps := testDispatcher(t, 1)

	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 1}))
	require.Len(t, *caps, 1)
	require.Equal(t, 1, d.Live())

	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 2}))
	d.HandleRequest(pendingQuery(&net.UDPAddr{Port: 3}))
	require.Equal(t, 2, d.Queued())

	// From now on every new connection attempt fails; releasing the one
	// live connection must drain the whole queue down to empty rather
	// than leaving stale entries behind.
	*ok = false
	(*caps)[0].onShutdown()

	assert.Equal(t, 0, d.Live())
	assert.Equal(t, 0, d.Queued())
	assert.Len(t, *caps, 1, "no further connection was ever successfully constructed")
}

func TestDispatcher_deliverStripsPaddingAndWrites(t *testing.T) {
	d, _, _ := testDispatcher(t, 1)

	replySock, err := netio.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer replySock.Close()

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   []byte{93, 184, 216, 34},
	}}
	opt := &dns.OPT{
		Hdr:    dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT},
		Option: []dns.EDNS0{&dns.EDNS0_PADDING{Padding: make([]byte, 64)}},
	}
	m.Extra = append(m.Extra, opt)

	raw, err := m.Pack()
	require.NoError(t, err)

	pq := PendingQuery{ReplySocket: replySock, ClientAddr: client.LocalAddr()}

	d.deliver(pq, dnsmsg.Frame(raw))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)

	got := new(dns.Msg)
	require.NoError(t, got.Unpack(buf[:n]))
	assert.Len(t, got.Answer, 1)

	stripped := got.IsEdns0()
	if stripped != nil {
		assert.Empty(t, stripped.Option)
	}
}
