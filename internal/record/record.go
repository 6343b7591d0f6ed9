// Package record defines the primitive traffic record, its fingerprint,
// and the cache entry shape built around it.
package record

import (
	"encoding/binary"
	"net/netip"
)

// WhatToCount is the `what_to_count` aggregation mask: the set of
// primitive fields selected into the cache fingerprint.
type WhatToCount uint32

const (
	CountSrcHost WhatToCount = 1 << iota
	CountDstHost
	CountSrcPort
	CountDstPort
	CountProto
	CountSrcAS
	CountDstAS
	CountSrcNet
	CountDstNet
	CountVLAN
	CountMPLSLabel
	CountSrcMAC
	CountDstMAC
	CountPktLenDistrib
)

// BGPAdjunct, NATAdjunct, MPLSAdjunct and Custom are the optional
// side-tables: present-or-absent adjuncts carried alongside the fixed
// primitive.
type BGPAdjunct struct {
	SrcAS, DstAS uint32
	PeerSrcIP    netip.Addr
	PeerDstIP    netip.Addr
}

type NATAdjunct struct {
	PostNATSrcIP   netip.Addr
	PostNATDstIP   netip.Addr
	PostNATSrcPort uint16
	PostNATDstPort uint16
}

type MPLSAdjunct struct {
	Label    uint32
	TopLabel uint32
}

// Custom is the variable-length custom-field trailer.
type Custom map[string]string

// LengthBin is one bucket of the packet-length distribution classifier.
type LengthBin struct {
	Name string
	Min  int
	Max  int // inclusive; Max < 0 means unbounded
}

// Primitive is the fixed-layout aggregated traffic record ingested from
// the ring.
type Primitive struct {
	SrcAddr, DstAddr   netip.Addr
	SrcPort, DstPort   uint16
	Proto              uint8
	TCPFlags           uint8
	VLAN               uint16
	SrcMAC, DstMAC     [6]byte
	Bytes              uint64
	Packets            uint64
	Flows              uint64
	FirstSeen, LastSeen int64 // unix seconds
	Basetime           int64  // accounting window this record belongs to

	BGP  *BGPAdjunct
	NAT  *NATAdjunct
	MPLS *MPLSAdjunct
	Cust Custom

	LengthBin string // populated by the length-distribution decorator, if requested

	SrcNetLabel string // populated by the network classification decorator, if requested
	DstNetLabel string
}

// Fingerprint is the canonical concatenation of the fields selected by
// WhatToCount. Equality of Fingerprint values is cache-key equality.
type Fingerprint string

// Compute builds the canonical fingerprint of p under mask what.
// Field order is fixed so that two primitives with identical selected
// fields always produce byte-identical fingerprints.
func Compute(p *Primitive, what WhatToCount) Fingerprint {
	var buf []byte

	if what&CountSrcHost != 0 {
		buf = appendAddr(buf, p.SrcAddr)
	}
	if what&CountDstHost != 0 {
		buf = appendAddr(buf, p.DstAddr)
	}
	if what&CountSrcNet != 0 && p.BGP != nil {
		buf = appendAddr(buf, p.BGP.PeerSrcIP)
	}
	if what&CountDstNet != 0 && p.BGP != nil {
		buf = appendAddr(buf, p.BGP.PeerDstIP)
	}
	if what&CountSrcPort != 0 {
		buf = appendU16(buf, p.SrcPort)
	}
	if what&CountDstPort != 0 {
		buf = appendU16(buf, p.DstPort)
	}
	if what&CountProto != 0 {
		buf = append(buf, p.Proto)
	}
	if what&CountSrcAS != 0 && p.BGP != nil {
		buf = appendU32(buf, p.BGP.SrcAS)
	}
	if what&CountDstAS != 0 && p.BGP != nil {
		buf = appendU32(buf, p.BGP.DstAS)
	}
	if what&CountVLAN != 0 {
		buf = appendU16(buf, p.VLAN)
	}
	if what&CountMPLSLabel != 0 && p.MPLS != nil {
		buf = appendU32(buf, p.MPLS.Label)
	}
	if what&CountSrcMAC != 0 {
		buf = append(buf, p.SrcMAC[:]...)
	}
	if what&CountDstMAC != 0 {
		buf = append(buf, p.DstMAC[:]...)
	}
	if what&CountPktLenDistrib != 0 {
		buf = append(buf, p.LengthBin...)
	}

	return Fingerprint(buf)
}

func appendAddr(buf []byte, a netip.Addr) []byte {
	b := a.As16()
	return append(buf, b[:]...)
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// State is the lifecycle state of a CacheEntry: an entry is serialized
// by the publication engine iff state == Committed.
type State int

const (
	Free State = iota
	InUse
	Committed
)

// Counters is the mutable accumulator carried by a CacheEntry.
type Counters struct {
	Bytes, Packets, Flows uint64
	TCPFlags              uint8
}

// Add accumulates another sample into the counters (used on every
// subsequent insert against an existing fingerprint).
func (c *Counters) Add(p *Primitive) {
	c.Bytes += p.Bytes
	c.Packets += p.Packets
	c.Flows += p.Flows
	c.TCPFlags |= p.TCPFlags
}

// Stitch is the first-seen/last-seen session interval.
type Stitch struct {
	FirstSeen, LastSeen int64
}

// Entry is one cache entry: fingerprint, counters, adjuncts, state,
// and basetime.
type Entry struct {
	Fingerprint Fingerprint
	Primitive   Primitive // canonical copy of the selected fields plus adjunct pointers
	Counters    Counters
	Stitch      Stitch
	State       State
	Basetime    int64
}

// Touch folds a newly-arrived primitive into the entry: counters add,
// stitch interval widens, state is left untouched (a committed entry is
// immutable until flushed; callers must not call Touch on one).
func (e *Entry) Touch(p *Primitive) {
	e.Counters.Add(p)
	if e.Stitch.FirstSeen == 0 || p.FirstSeen < e.Stitch.FirstSeen {
		e.Stitch.FirstSeen = p.FirstSeen
	}
	if p.LastSeen > e.Stitch.LastSeen {
		e.Stitch.LastSeen = p.LastSeen
	}
}
