// Command dote is the DNS-over-TLS forwarding proxy daemon: it wires the
// external configuration collaborator (package config) into the core
// components — upstream set, TLS context, dispatcher, server ingress —
// and runs until interrupted. Daemonisation proper is out of scope (§1);
// run this under a process supervisor such as systemd for that.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"

	"github.com/chrisstaite-go/dote/config"
	"github.com/chrisstaite-go/dote/forwarder"
	"github.com/chrisstaite-go/dote/iplookup"
	"github.com/chrisstaite-go/dote/loop"
	"github.com/chrisstaite-go/dote/pidfile"
	"github.com/chrisstaite-go/dote/server"
	"github.com/chrisstaite-go/dote/tlsconn"
	"github.com/chrisstaite-go/dote/upstreamset"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dote: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.ParseArgs(args)
	if err != nil {
		return err
	}

	resolved, err := cfg.Resolve()
	if err != nil {
		return err
	}

	if resolved.IPLookup != "" {
		return runIPLookup(resolved)
	}

	return runDaemon(resolved)
}

// runIPLookup is the convenience one-shot mode: `--ip-lookup IP[:port]`
// runs the same probe as `dote-pin` without a separate invocation,
// matching the original `--ip-lookup` CLI flag's behaviour of replacing
// the daemon's normal startup (§6 CLI surface).
func runIPLookup(resolved *config.Resolved) error {
	res, err := iplookup.Lookup(context.Background(), resolved.IPLookup, resolved.CipherSuites, resolved.Timeout)
	if err != nil {
		return err
	}

	fmt.Printf("hostname: %s\n", res.CommonName)
	fmt.Printf("pin:      %s\n", res.Pin.String())

	return nil
}

func runDaemon(resolved *config.Resolved) error {
	pf, err := pidfile.Create(resolved.PIDFile)
	if err != nil {
		return err
	}
	defer pf.Close()

	set, err := upstreamset.NewSet(resolved.Upstreams)
	if err != nil {
		return err
	}

	tlsCtx := tlsconn.NewContext(resolved.CipherSuites, 0)
	dispatcher := forwarder.NewDispatcher(loop.New(), set, tlsCtx, resolved.MaxConnections)

	srv, err := server.New(dispatcher, resolved.ServerAddrs)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("dote: serving %d upstream(s) on %d listener(s)", len(resolved.Upstreams), len(resolved.ServerAddrs))

	if err = srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	log.Info("dote: shut down")

	return nil
}
