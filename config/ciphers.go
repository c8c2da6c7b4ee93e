package config

import "crypto/tls"

// cipherSuite pairs a crypto/tls suite ID with its name, since
// tls.CipherSuiteName is a one-way (id -> name) lookup only.
type cipherSuite struct {
	name string
	id   uint16
}

func tlsCipherSuites() []cipherSuite {
	suites := tls.CipherSuites()
	out := make([]cipherSuite, 0, len(suites))
	for _, s := range suites {
		out = append(out, cipherSuite{name: s.Name, id: s.ID})
	}

	return out
}

func tlsInsecureCipherSuites() []cipherSuite {
	suites := tls.InsecureCipherSuites()
	out := make([]cipherSuite, 0, len(suites))
	for _, s := range suites {
		out = append(out, cipherSuite{name: s.Name, id: s.ID})
	}

	return out
}
