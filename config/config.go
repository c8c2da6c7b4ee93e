// Package config implements the external configuration collaborator
// (§6): command-line flags plus an optional YAML file, assembled into the
// listen addresses, cipher policy, and [upstreamset.Descriptor] list the
// core is handed at startup. Nothing under this package is consulted by
// the core at runtime — only the values it produces are.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	goflags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/chrisstaite-go/dote/upstreamset"
)

// DefaultServerPort is the default listen port when none is given (§6).
const DefaultServerPort = 53

// DefaultForwarderPort is the default upstream port when none is given
// (§6).
const DefaultForwarderPort = 853

// UpstreamSpec is one `-forwarder`/`hostname`/`pin` group as parsed from
// the command line, before it is turned into an [upstreamset.Descriptor]
// (§6 "forwarder IP[:port]… hostname H… pin B64").
type UpstreamSpec struct {
	Addr       string
	Hostname   string
	PinB64     string
	DisablePKI bool
}

// GlobalOptions are the CLI flags that do not belong to a particular
// forwarder group; these are the ones go-flags can parse declaratively.
// The forwarder-grouping flags (`server`, `forwarder`, `hostname`, `pin`,
// `disable-pki`) are stateful — a `hostname`/`pin` applies to whichever
// `forwarder` most recently opened a group — which no struct-tag-driven
// parser in the pack expresses, so [ParseArgs] walks them by hand before
// handing the rest to go-flags, the same two-pass shape the teacher's own
// `--config-path` pre-scan uses ahead of its goFlags.Parser call.
type GlobalOptions struct {
	ConfigFile  string `short:"C" long:"config" description:"YAML configuration file; CLI flags override values it sets"`
	Ciphers     string `long:"ciphers" description:"Comma-separated crypto/tls cipher suite names; empty uses the built-in modern AEAD/PFS-preferring list"`
	Connections int    `long:"connections" description:"Maximum concurrent forwarder connections (1-6000)" default:"5"`
	Timeout     int    `long:"timeout" description:"Per-upstream connect/handshake/IO deadline, in seconds" default:"5"`
	Daemonise   bool   `long:"daemonise" description:"Out-of-core: double-fork and background the process; not implemented, use a process supervisor"`
	PIDFile     string `long:"pid-file" description:"Write the process ID to this path under an exclusive lock"`
	IPLookup    string `long:"ip-lookup" description:"One-shot mode: connect to IP[:port], print the leaf certificate's CN and SPKI pin, then exit"`
}

// Config is the fully parsed, not-yet-validated configuration.
type Config struct {
	Global    GlobalOptions
	Servers   []string
	Upstreams []UpstreamSpec
}

// fileConfig mirrors [Config] for the optional YAML file (§9 "Vyatta-style
// static config… replaced by an equivalent YAML file"). CLI flags
// override whatever it sets, matching the teacher's own config-file/CLI
// precedence.
type fileConfig struct {
	Ciphers     string   `yaml:"ciphers"`
	Connections int      `yaml:"connections"`
	Timeout     int      `yaml:"timeout"`
	PIDFile     string   `yaml:"pid_file"`
	Servers     []string `yaml:"servers"`
	Upstreams   []struct {
		Addr       string `yaml:"addr"`
		Hostname   string `yaml:"hostname"`
		Pin        string `yaml:"pin"`
		DisablePKI bool   `yaml:"disable_pki"`
	} `yaml:"upstreams"`
}

// ParseArgs parses args (typically os.Args[1:]) into a [Config]. It first
// extracts the forwarder-grouping flags by hand, then hands the remainder
// to go-flags for GlobalOptions.
func ParseArgs(args []string) (*Config, error) {
	var servers []string
	var upstreams []UpstreamSpec
	var rest []string

	var cur *UpstreamSpec
	pushCur := func() {
		if cur != nil {
			upstreams = append(upstreams, *cur)
			cur = nil
		}
	}

	i := 0
	for i < len(args) {
		name, inlineVal, hasInline := splitFlag(args[i])

		switch name {
		case "-s", "--server":
			val, consumed, err := flagValue(args, i, inlineVal, hasInline)
			if err != nil {
				return nil, err
			}
			servers = append(servers, val)
			i += consumed
		case "-f", "--forwarder":
			val, consumed, err := flagValue(args, i, inlineVal, hasInline)
			if err != nil {
				return nil, err
			}
			pushCur()
			cur = &UpstreamSpec{Addr: val}
			i += consumed
		case "--hostname":
			val, consumed, err := flagValue(args, i, inlineVal, hasInline)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("config: --hostname with no preceding --forwarder")
			}
			cur.Hostname = val
			i += consumed
		case "--pin":
			val, consumed, err := flagValue(args, i, inlineVal, hasInline)
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, fmt.Errorf("config: --pin with no preceding --forwarder")
			}
			cur.PinB64 = val
			i += consumed
		case "--disable-pki":
			if cur == nil {
				return nil, fmt.Errorf("config: --disable-pki with no preceding --forwarder")
			}
			cur.DisablePKI = true
			i++
		default:
			rest = append(rest, args[i])
			i++
		}
	}
	pushCur()

	global := GlobalOptions{Connections: 5, Timeout: 5}
	parser := goflags.NewParser(&global, goflags.Default)
	if _, err := parser.ParseArgs(rest); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	cfg := &Config{Global: global, Servers: servers, Upstreams: upstreams}

	if global.ConfigFile != "" {
		if err := cfg.mergeFile(global.ConfigFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// splitFlag recognises `--flag=value` as well as bare `--flag`/`-f`,
// returning the flag name and, if present, the inline value.
func splitFlag(arg string) (name, inlineVal string, hasInline bool) {
	if before, after, found := strings.Cut(arg, "="); found {
		return before, after, true
	}

	return arg, "", false
}

// flagValue resolves a flag's value, either inline (`--flag=value`) or as
// the following argument (`--flag value`), returning how many elements of
// args it consumed starting at i (1 for the flag alone, 2 if the value
// came from the next argument).
func flagValue(args []string, i int, inlineVal string, hasInline bool) (string, int, error) {
	if hasInline {
		return inlineVal, 1, nil
	}

	if i+1 >= len(args) {
		return "", 0, fmt.Errorf("config: %s requires a value", args[i])
	}

	return args[i+1], 2, nil
}

// mergeFile loads path as YAML and fills in any field the CLI left at its
// zero value. Connections and Timeout count as unset while they equal
// their default of 5, so an explicit `--connections 5` or `--timeout 5`
// is still overridden by the file; every other explicit CLI flag wins.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err = yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if c.Global.Ciphers == "" {
		c.Global.Ciphers = fc.Ciphers
	}

	if c.Global.Connections == 5 && fc.Connections != 0 {
		c.Global.Connections = fc.Connections
	}

	if c.Global.Timeout == 5 && fc.Timeout != 0 {
		c.Global.Timeout = fc.Timeout
	}

	if c.Global.PIDFile == "" {
		c.Global.PIDFile = fc.PIDFile
	}

	if len(c.Servers) == 0 {
		c.Servers = append(c.Servers, fc.Servers...)
	}

	if len(c.Upstreams) == 0 {
		for _, u := range fc.Upstreams {
			c.Upstreams = append(c.Upstreams, UpstreamSpec{
				Addr:       u.Addr,
				Hostname:   u.Hostname,
				PinB64:     u.Pin,
				DisablePKI: u.DisablePKI,
			})
		}
	}

	return nil
}

// Resolved is the validated, defaulted configuration ready for the core.
type Resolved struct {
	ServerAddrs    []string
	Upstreams      []upstreamset.Descriptor
	CipherSuites   []uint16
	MaxConnections int
	Timeout        time.Duration
	PIDFile        string
	IPLookup       string
}

// Resolve validates c and fills in the documented defaults (§6): the IPv4
// and IPv6 loopback server addresses on port 53 and the four Cloudflare
// upstreams when none are configured.
func (c *Config) Resolve() (*Resolved, error) {
	if c.Global.Connections < 1 || c.Global.Connections > 6000 {
		return nil, fmt.Errorf("config: connections must be between 1 and 6000, got %d", c.Global.Connections)
	}

	suites, err := parseCiphers(c.Global.Ciphers)
	if err != nil {
		return nil, err
	}

	servers := c.Servers
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53", "[::1]:53"}
	} else {
		servers, err = normaliseServers(servers)
		if err != nil {
			return nil, err
		}
	}

	timeout := time.Duration(c.Global.Timeout) * time.Second

	var descs []upstreamset.Descriptor
	if len(c.Upstreams) == 0 {
		descs, err = upstreamset.Default()
		if err != nil {
			return nil, err
		}
	} else {
		for i, u := range c.Upstreams {
			addr, addrErr := normaliseAddr(u.Addr, DefaultForwarderPort)
			if addrErr != nil {
				return nil, fmt.Errorf("config: upstream %d: %w", i, addrErr)
			}

			desc, descErr := upstreamset.NewDescriptor(addr, u.Hostname, u.PinB64, u.DisablePKI, timeout)
			if descErr != nil {
				return nil, fmt.Errorf("config: upstream %d: %w", i, descErr)
			}

			descs = append(descs, desc)
		}
	}

	return &Resolved{
		ServerAddrs:    servers,
		Upstreams:      descs,
		CipherSuites:   suites,
		MaxConnections: c.Global.Connections,
		Timeout:        timeout,
		PIDFile:        c.Global.PIDFile,
		IPLookup:       c.Global.IPLookup,
	}, nil
}

// normaliseServers applies [normaliseAddr] with the default server port to
// every entry in addrs.
func normaliseServers(addrs []string) ([]string, error) {
	out := make([]string, 0, len(addrs))
	for i, a := range addrs {
		na, err := normaliseAddr(a, DefaultServerPort)
		if err != nil {
			return nil, fmt.Errorf("config: server %d: %w", i, err)
		}

		out = append(out, na)
	}

	return out, nil
}

// normaliseAddr appends defaultPort to addr if it has none. IPv6 literals
// without a port are recognised by a closing bracket ("[::1]") or, when
// unbracketed ("::1"), by their colon count, matching the original
// `ConfigParser::parseServer` bracket convention (§6 "IP[:port]").
func normaliseAddr(addr string, defaultPort int) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}

	if strings.HasPrefix(addr, "[") {
		if strings.HasSuffix(addr, "]") {
			return fmt.Sprintf("%s:%d", addr, defaultPort), nil
		}

		return addr, nil // already has a bracketed host and a port suffix
	}

	if strings.Count(addr, ":") >= 2 {
		// Bare (unbracketed) IPv6 literal with no port.
		return fmt.Sprintf("[%s]:%d", addr, defaultPort), nil
	}

	if strings.Contains(addr, ":") {
		return addr, nil // single colon: IPv4 (or name) host:port
	}

	return fmt.Sprintf("%s:%d", addr, defaultPort), nil
}

// parseCiphers maps a comma-separated list of crypto/tls cipher suite
// names (e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256") to their IDs. An
// empty list returns nil, letting [tlsconn] fall back to Go's own
// modern, AEAD/PFS-preferring default — the closest equivalent to the
// OpenSSL cipher-string DSL §6 describes, since Go's standard library has
// no such string grammar and only negotiates secure suites to begin with.
func parseCiphers(list string) ([]uint16, error) {
	if list == "" {
		return nil, nil
	}

	byName := make(map[string]uint16)
	for _, s := range append(tlsCipherSuites(), tlsInsecureCipherSuites()...) {
		byName[s.name] = s.id
	}

	var ids []uint16
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("config: unknown cipher suite %q", name)
		}

		ids = append(ids, id)
	}

	return ids, nil
}
