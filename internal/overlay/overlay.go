// Package overlay defines the peer-discovery collaborator spec.md §1 treats
// as an external source of verified candidates, plus a minimal in-memory
// stand-in implementation for tests and single-process demos. The real
// membership/signed-introduction/candidate-walking overlay is explicitly
// out of scope.
package overlay

import "net"

// Candidate is a verified overlay peer, shaped like the teacher's
// directory.Relay (candidate list with capability flags) minus Tor's
// consensus bandwidth weighting, which this spec's overlay has no analog
// of.
type Candidate struct {
	Addr          net.UDPAddr
	PubKey        [32]byte
	WillingToExit bool
	Connectable   bool
}

// Source is the interface the circuit builder consumes verified candidates
// through (spec.md §4.1 step 1-2).
type Source interface {
	// Candidates returns the current verified candidate set in a stable,
	// overlay-defined order. The circuit builder scans this order when
	// picking exits/first hops.
	Candidates() []Candidate
}

// Static is a fixed-list Source, useful for tests and for embedding this
// node without a real peer-discovery overlay.
type Static struct {
	list []Candidate
}

// NewStatic returns a Source that always serves the given candidates in
// the given order.
func NewStatic(candidates []Candidate) *Static {
	cp := make([]Candidate, len(candidates))
	copy(cp, candidates)
	return &Static{list: cp}
}

func (s *Static) Candidates() []Candidate {
	out := make([]Candidate, len(s.list))
	copy(out, s.list)
	return out
}

// Set replaces the candidate list atomically enough for single-threaded
// event-loop use (spec.md §5 — all handlers run on one thread).
func (s *Static) Set(candidates []Candidate) {
	s.list = append(s.list[:0], candidates...)
}
