package upstreamset

import (
	"sync"

	"golang.org/x/exp/slices"
)

// CloudflareHostname is the expected hostname of the default Cloudflare
// DoT resolvers (§6 defaults).
const CloudflareHostname = "cloudflare-dns.com"

// CloudflarePin is the Base64 SPKI pin of the default Cloudflare DoT
// resolvers (§6 defaults).
const CloudflarePin = "DPPP3G7LCnpidYBiFiN38CespymEvOsP1HCpoVVPtUM="

// CloudflareAddrs are the four default Cloudflare DoT endpoints used when
// no upstream is configured (§6 defaults).
var CloudflareAddrs = []string{
	"1.1.1.1:853",
	"1.0.0.1:853",
	"[2606:4700:4700::1111]:853",
	"[2606:4700:4700::1001]:853",
}

// Default builds the four default Cloudflare descriptors.
func Default() (descs []Descriptor, err error) {
	descs = make([]Descriptor, 0, len(CloudflareAddrs))

	for _, addr := range CloudflareAddrs {
		d, dErr := NewDescriptor(addr, CloudflareHostname, CloudflarePin, false, DefaultTimeout)
		if dErr != nil {
			return nil, dErr
		}

		descs = append(descs, d)
	}

	return descs, nil
}

// Set is an ordered, priority-stable collection of upstream descriptors
// (§3 "Upstream set"). It is safe for concurrent use. Get returns the
// highest-priority (front) descriptor; MarkBad demotes a descriptor to
// the back without disturbing the relative order of the others.
type Set struct {
	mu    sync.Mutex
	descs []Descriptor
}

// NewSet builds a Set from descs in the given priority order. descs must
// be non-empty.
func NewSet(descs []Descriptor) (*Set, error) {
	if len(descs) == 0 {
		return nil, errEmptySet
	}

	return &Set{descs: slices.Clone(descs)}, nil
}

// errEmptySet is returned by [NewSet] and surfaced to the external
// configuration layer; the core never constructs an empty Set (§3
// "never empty while the dispatcher is running").
var errEmptySet = emptySetError{}

type emptySetError struct{}

func (emptySetError) Error() string { return "upstreamset: set must have at least one descriptor" }

// Get returns the front descriptor and true, or the zero value and false
// if the set has become empty.
func (s *Set) Get() (d Descriptor, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.descs) == 0 {
		return d, false
	}

	return s.descs[0], true
}

// MarkBad rotates the descriptor matching bad's address to the back of
// the set. It is idempotent and leaves the relative order of every other
// descriptor unchanged (§8 invariant 9). A bad descriptor with no match
// in the set is a no-op.
func (s *Set) MarkBad(bad Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.descs, func(d Descriptor) bool { return sameAddr(d, bad) })
	if idx < 0 {
		return
	}

	demoted := s.descs[idx]
	s.descs = append(s.descs[:idx], s.descs[idx+1:]...)
	s.descs = append(s.descs, demoted)
}

// Len returns the number of descriptors currently in the set.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.descs)
}

// Reload atomically replaces the set's contents, used after a
// configuration reload (§3 "Lifecycle").
func (s *Set) Reload(descs []Descriptor) error {
	if len(descs) == 0 {
		return errEmptySet
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.descs = slices.Clone(descs)

	return nil
}

// Snapshot returns a copy of the current priority order, for diagnostics
// and tests.
func (s *Set) Snapshot() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.descs)
}
