// Package decorator implements pluggable, in-place primitive enrichers
// applied in a fixed order to each record as it comes off the ring,
// before cache insertion.
package decorator

import (
	"net/netip"

	"github.com/user/acctcore/internal/record"
)

// Decorator mutates a primitive in place. Decorators are pure
// transforms and never fail.
type Decorator interface {
	Decorate(p *record.Primitive)
}

// Chain applies decorators in order: custom extractors, network
// enrichment, port remapping, length-distribution bucketing.
type Chain []Decorator

func (c Chain) Decorate(p *record.Primitive) {
	for _, d := range c {
		d.Decorate(p)
	}
}

// NetworkPrefix is one entry of the loaded network classification
// table (networks_file).
type NetworkPrefix struct {
	Prefix netip.Prefix
	Label  string
}

// NetworkClassifier sets SrcNetLabel/DstNetLabel to the label of the
// longest-matching configured prefix, the networks_file decorator; the
// addresses themselves are left unchanged. Implemented as a linear
// longest-prefix scan; a real deployment would load a trie, but the
// classification contract -- longest match wins -- is what the package
// tests exercise.
type NetworkClassifier struct {
	Prefixes []NetworkPrefix
}

func (n *NetworkClassifier) Decorate(p *record.Primitive) {
	if best := n.longestMatch(p.SrcAddr); best != "" {
		p.SrcNetLabel = best
	}
	if best := n.longestMatch(p.DstAddr); best != "" {
		p.DstNetLabel = best
	}
}

func (n *NetworkClassifier) longestMatch(addr netip.Addr) string {
	var best NetworkPrefix
	bestBits := -1
	for _, np := range n.Prefixes {
		if np.Prefix.Contains(addr) && np.Prefix.Bits() > bestBits {
			best = np
			bestBits = np.Prefix.Bits()
		}
	}
	return best.Label
}

// PortRemap zeroes out a port that is not present in the loaded
// allow-set (ports_file).
type PortRemap struct {
	Allowed map[uint16]bool
}

func (pr *PortRemap) Decorate(p *record.Primitive) {
	if pr.Allowed == nil {
		return
	}
	if !pr.Allowed[p.SrcPort] {
		p.SrcPort = 0
	}
	if !pr.Allowed[p.DstPort] {
		p.DstPort = 0
	}
}

// LengthBin is one bucket boundary of the packet-length distribution
// classifier (pkt_len_distrib_bins_str).
type LengthBin struct {
	Name     string
	MinBytes int
	MaxBytes int // < 0 means unbounded
}

// LengthDistribution buckets a record's average packet length into one
// of the configured bins.
type LengthDistribution struct {
	Bins []LengthBin
}

func (l *LengthDistribution) Decorate(p *record.Primitive) {
	if p.Packets == 0 {
		return
	}
	avg := int(p.Bytes / p.Packets)
	for _, bin := range l.Bins {
		if avg >= bin.MinBytes && (bin.MaxBytes < 0 || avg <= bin.MaxBytes) {
			p.LengthBin = bin.Name
			return
		}
	}
}

// CustomExtractor populates adjunct pointer views ahead of the other
// decorators; it is a seam for collector-specific extra-primitive
// wiring that this core does not define the shape of.
type CustomExtractor func(p *record.Primitive)

func (f CustomExtractor) Decorate(p *record.Primitive) { f(p) }
