// Package server implements the Server Ingress component (§2.8, §4.7):
// one UDP listener per configured address, framing each datagram as an
// RFC 1035 TCP DNS message and handing it, with its recovered destination
// address and arrival interface, to the [forwarder.Dispatcher].
package server

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/errgroup"

	"github.com/chrisstaite-go/dote/dnsmsg"
	"github.com/chrisstaite-go/dote/forwarder"
	"github.com/chrisstaite-go/dote/netio"
)

// Server is one or more UDP listeners feeding a shared [forwarder.Dispatcher].
type Server struct {
	dispatcher *forwarder.Dispatcher
	conns      []*netio.PacketConn
}

// New binds a UDP socket on each of addrs, packet-info enabled, and
// returns a Server ready to [Server.Run]. All sockets are closed and an
// error returned if any bind fails, so a misconfigured listen address
// never leaves the others silently running (§4.7 "binds a UDP socket
// with packet-info enabled").
func New(dispatcher *forwarder.Dispatcher, addrs []string) (*Server, error) {
	s := &Server{dispatcher: dispatcher}

	for _, addr := range addrs {
		conn, err := netio.ListenUDP(addr)
		if err != nil {
			s.Close()

			return nil, fmt.Errorf("server: binding %s: %w", addr, err)
		}

		s.conns = append(s.conns, conn)
		log.Info("dote: server: listening on %s", addr)
	}

	return s, nil
}

// Run serves every listener until ctx is cancelled or a listener's read
// loop returns a fatal error. Each listener is one goroutine, matching
// §4.1's "register a Read callback with no deadline" — a goroutine
// blocked in ReadFrom with no deadline is the idiomatic Go form of that
// registration.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, conn := range s.conns {
		conn := conn
		g.Go(func() error { return s.serve(gctx, conn) })
	}

	g.Go(func() error {
		<-gctx.Done()
		s.Close()

		return nil
	})

	return g.Wait()
}

// serve is one listener's read loop: receive, frame, dispatch.
func (s *Server) serve(ctx context.Context, conn *netio.PacketConn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		dgram, err := conn.ReadFrom()
		if err != nil {
			if ctx.Err() != nil {
				// Close() during shutdown surfaces as a read error on
				// the now-closed socket; not a fatal condition.
				return nil
			}

			log.Info("dote: server: notice: reading from %s: %s", conn.LocalAddr(), err)

			continue
		}

		s.dispatcher.HandleRequest(forwarder.PendingQuery{
			ReplySocket: conn,
			ClientAddr:  dgram.ClientAddr,
			LocalAddr:   dgram.LocalAddr,
			IfIndex:     dgram.IfIndex,
			Frame:       dnsmsg.Frame(dgram.Payload),
		})
	}
}

// Addrs returns the bound local address of each listener, in the same
// order as the addrs passed to [New] — useful when a configured address
// used an ephemeral port (":0").
func (s *Server) Addrs() []string {
	out := make([]string, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn.LocalAddr().String())
	}

	return out
}

// Close closes every listener socket; Run's read loops then return.
func (s *Server) Close() {
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}
