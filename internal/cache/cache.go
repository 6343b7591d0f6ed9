// Package cache implements the aggregation cache: a keyed accumulator
// of records by canonical fingerprint, with several insertion
// policies, FREE/IN_USE/COMMITTED entry states, and a flush-event
// snapshot handoff to the publication engine.
package cache

import (
	"net/netip"
	"time"

	"github.com/user/acctcore/internal/record"
)

// InsertPolicy selects which dimension of the primitive is reduced
// into the cache key.
type InsertPolicy int

const (
	SumHost InsertPolicy = iota
	SumNet
	SumPort
	SumAS
	SumMAC
	PerFingerprint
)

// generation is one basetime-keyed accounting window: a map of
// fingerprint to entry plus the running insert index used to build the
// flush queue in insertion order.
type generation struct {
	entries map[record.Fingerprint]*record.Entry
	order   []*record.Entry
}

func newGeneration() *generation {
	return &generation{entries: make(map[record.Fingerprint]*record.Entry)}
}

// Cache is the aggregation cache. A single Cache instance owns every
// generation currently in flight; the current basetime's generation is
// where new inserts land, and historical generations are kept until
// their own flush.
type Cache struct {
	policy          InsertPolicy
	what            record.WhatToCount
	currentBasetime int64
	generations     map[int64]*generation
	frozen          map[int64]bool // basetime -> true while a flush snapshot is outstanding
}

// New builds an empty cache under the given insertion policy and
// counting mask.
func New(policy InsertPolicy, what record.WhatToCount) *Cache {
	return &Cache{
		policy:      policy,
		what:        what,
		generations: make(map[int64]*generation),
		frozen:      make(map[int64]bool),
	}
}

// SetCurrentBasetime advances the window the cache considers "current",
// used to bucket any record that arrives without its own basetime.
// Called by the ingest loop, driven by internal/scheduler deadlines.
func (c *Cache) SetCurrentBasetime(basetime int64) {
	c.currentBasetime = basetime
}

// reduce computes the cache key for p under the configured policy: the
// canonical fingerprint under the full counting mask for PerFingerprint,
// or a fingerprint built from a single reduced dimension otherwise. The
// cache holds exactly one entry per reduced key.
func (c *Cache) reduce(p *record.Primitive) record.Fingerprint {
	switch c.policy {
	case SumHost:
		return record.Compute(p, record.CountSrcHost)
	case SumNet:
		return record.Compute(p, record.CountSrcNet)
	case SumPort:
		return record.Compute(p, record.CountSrcPort|record.CountDstPort)
	case SumAS:
		return record.Compute(p, record.CountSrcAS)
	case SumMAC:
		return record.Compute(p, record.CountSrcMAC)
	default:
		return record.Compute(p, c.what)
	}
}

// Insert routes p to the entry for its reduced key within the
// generation keyed by p.Basetime (falling back to the cache's current
// basetime when p carries none), creating the entry on first sight and
// accumulating into it otherwise.
//
// Insert never mutates a COMMITTED entry in place: a COMMITTED entry is
// immutable until flushed, so a late arrival for an already-committed
// fingerprint opens a fresh IN_USE entry instead, which the next flush
// will pick up as its own queue member.
func (c *Cache) Insert(p record.Primitive, now time.Time) {
	basetime := p.Basetime
	if basetime == 0 {
		basetime = c.currentBasetime
	}

	g, ok := c.generations[basetime]
	if !ok {
		g = newGeneration()
		c.generations[basetime] = g
	}

	key := c.reduce(&p)
	e, ok := g.entries[key]
	if !ok || e.State == record.Committed {
		e = &record.Entry{
			Fingerprint: key,
			Primitive:   p,
			State:       record.InUse,
			Basetime:    basetime,
		}
		e.Touch(&p)
		g.entries[key] = e
		g.order = append(g.order, e)
		return
	}

	e.Touch(&p)
}

// CommitGeneration transitions every IN_USE entry of the generation at
// basetime to COMMITTED, the state HandleFlushEvent snapshots. Called
// by the ingest loop immediately before HandleFlushEvent, once the
// refresh deadline has elapsed for that window.
func (c *Cache) CommitGeneration(basetime int64) {
	g, ok := c.generations[basetime]
	if !ok {
		return
	}
	for _, e := range g.order {
		if e.State == record.InUse {
			e.State = record.Committed
		}
	}
}

// PreprocessFunc filters or reorders a flush queue before it is handed
// to the publication engine. The base configuration runs none;
// returning a shorter slice drops entries, reordering is permitted.
type PreprocessFunc func(queue []*record.Entry) []*record.Entry

// HandleFlushEvent snapshots the COMMITTED entries of basetime into a
// contiguous queue, runs preprocess hooks over it, marks the generation
// frozen (see IsFrozen) while the publication engine is working on the
// snapshot, and returns the queue to the caller. The frozen mark does
// not block Insert; the snapshot's entries stay unchanged because Insert
// never touches a COMMITTED entry. The generation itself is not deleted
// here: ReleaseGeneration does that once the flush has run, whether or
// not it succeeded, so the next flush starts from an empty window.
func (c *Cache) HandleFlushEvent(basetime int64, preprocess ...PreprocessFunc) []*record.Entry {
	g, ok := c.generations[basetime]
	if !ok {
		return nil
	}

	queue := make([]*record.Entry, 0, len(g.order))
	for _, e := range g.order {
		if e.State == record.Committed {
			queue = append(queue, e)
		}
	}

	for _, fn := range preprocess {
		queue = fn(queue)
	}

	c.frozen[basetime] = true
	return queue
}

// IsFrozen reports whether basetime's generation currently has an
// outstanding flush snapshot in flight.
func (c *Cache) IsFrozen(basetime int64) bool {
	return c.frozen[basetime]
}

// ReleaseGeneration drops a flushed generation's entries and its frozen
// mark, reclaiming the basetime window.
func (c *Cache) ReleaseGeneration(basetime int64) {
	delete(c.generations, basetime)
	delete(c.frozen, basetime)
}

// Len reports the number of live entries across all generations in the
// cache, used by tests and by pluginmetrics gauges.
func (c *Cache) Len() int {
	n := 0
	for _, g := range c.generations {
		n += len(g.order)
	}
	return n
}

// netKey is a helper the SumNet policy could extend with real
// longest-prefix reduction; kept here rather than in the decorator
// package since the cache, not the decorator, owns key reduction.
func netKey(a netip.Addr, bits int) netip.Prefix {
	p, _ := a.Prefix(bits)
	return p
}
