// Command dote-pin is the `ip_lookup` one-shot utility (§6, §9): connect
// to an address, print the peer's certificate common name and Base64
// SPKI pin, and exit — the values an operator then feeds back in as
// `--hostname`/`--pin` for a new upstream.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chrisstaite-go/dote/iplookup"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s IP[:port]\n", os.Args[0])
		os.Exit(2)
	}

	res, err := iplookup.Lookup(context.Background(), os.Args[1], nil, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("hostname: %s\n", res.CommonName)
	fmt.Printf("pin:      %s\n", res.Pin.String())
}
