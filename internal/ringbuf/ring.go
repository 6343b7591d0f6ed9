// Package ringbuf implements the ring consumer: a poll-driven reader of
// fixed-size slots from a producer-owned ring, with sequence-number
// resynchronization and an optional secondary transport fallback.
//
// Grounded directly on the original C collector plugin's
// poll_again/read_data state machine, restated without gotos: NextSlot
// performs one consume step and the caller drives the loop. The ring itself is modeled as an
// in-process byte buffer (a memory-mapped region, or equivalently a
// single-producer single-consumer channel of fixed-size byte arrays)
// since the real producer is an out-of-process collaborator this
// package never constructs.
package ringbuf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/acctcore/internal/pluginmetrics"
	"github.com/user/acctcore/internal/record"
)

// MaxSeqNum is the sequence-number wrap boundary; 0 is always skipped.
const MaxSeqNum uint32 = 1 << 24

// ErrUpstreamGone is returned when the parent-liveness check detects
// the upstream collector is no longer our parent. Fatal to the process.
var ErrUpstreamGone = errors.New("ringbuf: upstream collector process is gone")

// ErrUpstreamClosed names an orderly zero-length handshake read: a
// silent, non-fatal shutdown signal rather than an error. Consumer
// performs no handshake read and never returns it.
var ErrUpstreamClosed = errors.New("ringbuf: upstream closed the pipe")

// SlotHeader is the fixed prefix of every ring slot.
type SlotHeader struct {
	Sequence uint32
	CorePID  uint32
	Len      uint64
	Num      uint32
}

const slotHeaderSize = 4 + 4 + 8 + 4

func decodeHeader(b []byte) SlotHeader {
	return SlotHeader{
		Sequence: binary.LittleEndian.Uint32(b[0:4]),
		CorePID:  binary.LittleEndian.Uint32(b[4:8]),
		Len:      binary.LittleEndian.Uint64(b[8:16]),
		Num:      binary.LittleEndian.Uint32(b[16:20]),
	}
}

func encodeHeader(b []byte, h SlotHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Sequence)
	binary.LittleEndian.PutUint32(b[4:8], h.CorePID)
	binary.LittleEndian.PutUint64(b[8:16], h.Len)
	binary.LittleEndian.PutUint32(b[16:20], h.Num)
}

// Ring is the shared byte region the producer writes cyclically and the
// consumer walks in order.
type Ring struct {
	Buf   []byte
	BufSz uint32 // bytes per slot
	ptr   uint32 // current read offset, relative to Buf[0]
}

// NewRing allocates a ring of the given total size and per-slot size.
func NewRing(totalSize, bufSz uint32) *Ring {
	return &Ring{Buf: make([]byte, totalSize), BufSz: bufSz}
}

func (r *Ring) wrapIfNeeded() {
	if r.ptr+r.BufSz > uint32(len(r.Buf)) {
		r.ptr = 0
	}
}

func (r *Ring) currentSlot() []byte {
	r.wrapIfNeeded()
	return r.Buf[r.ptr : r.ptr+r.BufSz]
}

func (r *Ring) advance() {
	r.ptr += r.BufSz
}

// SeekToOffset resynchronizes the read pointer to an absolute offset
// recorded by the producer's shared status.
func (r *Ring) SeekToOffset(off uint32) {
	r.ptr = off
	r.wrapIfNeeded()
}

// Status is the producer-maintained side-channel the consumer falls
// back to on sustained sequence loss ("status->last_buf_off" in the
// original source).
type Status struct {
	LastBufOff uint32
}

// Slot is one decoded ring slot: its sequence number, the producing
// core's PID, and the primitive records it carries.
type Slot struct {
	Sequence uint32
	CorePID  uint32
	Records  []record.Primitive
}

// Codec decodes the record payload following a slot header. The exact
// on-the-wire primitive layout is owned by the upstream collector;
// Codec is the seam a concrete collector integration plugs into.
type Codec interface {
	Decode(buf []byte, num uint32) ([]record.Primitive, error)
	Encode(recs []record.Primitive) []byte // used only by tests to build fixtures
}

// Config configures a Consumer.
type Config struct {
	BufSz            uint32
	MaxErrBeforeWarn int  // MAX_RG_COUNT_ERR
	Debug            bool // config.debug
	PipeCheckCorePID bool
	CorePID          uint32
}

// Consumer implements the ring's sequence-resync protocol.
type Consumer struct {
	cfg      Config
	ring     *Ring
	status   *Status
	codec    Codec
	expected uint32
	pollOnce bool // "pollagain": true means the next mismatch is answered with a repoll instead of a resync
	errCount int

	// ParentGone reports whether the upstream collector process is no
	// longer our parent. Defaults to "never gone"; cmd/acctexport wires
	// this to a getppid() comparison against the parent seen at startup.
	ParentGone func() bool

	onResyncWarning func(errCount int)
}

// NewConsumer builds a Consumer starting at sequence 1: it wraps at
// MaxSeqNum, skipping 0.
func NewConsumer(cfg Config, ring *Ring, status *Status, codec Codec) *Consumer {
	return &Consumer{
		cfg:      cfg,
		ring:     ring,
		status:   status,
		codec:    codec,
		expected: 1,
		pollOnce: true,
		ParentGone: func() bool {
			return false
		},
	}
}

// OnResyncWarning registers a callback invoked once sustained sequence
// mismatch is detected, for logging an undersized-buffer warning.
func (c *Consumer) OnResyncWarning(f func(errCount int)) {
	c.onResyncWarning = f
}

// NextSlot runs one consume step: parent-liveness check, wrap, sequence
// check with the two-step repoll-then-resync protocol, copy, and
// counter advance. Draining all slots queued since the last wakeup
// without repolling in between is the caller's responsibility: NextSlot
// has no "no more data" result, and a slot whose sequence does not
// match is answered with the repoll sentinel (see IsRepoll) or a resync.
func (c *Consumer) NextSlot(ctx context.Context) (Slot, error) {
	if c.ParentGone != nil && c.ParentGone() {
		return Slot{}, ErrUpstreamGone
	}

	slotBytes := c.ring.currentSlot()
	hdr := decodeHeader(slotBytes)

	if hdr.Sequence != c.expected {
		if c.pollOnce {
			// First mismatch on a fresh wake-up: another writer signal
			// may be in flight. Caller re-enters the wait; we do not
			// resync yet.
			c.pollOnce = false
			return Slot{}, errMismatchRepoll
		}

		// Repeated mismatch: resync.
		c.errCount++
		pluginmetrics.RingResyncs.Inc()
		if c.cfg.Debug || c.errCount > c.cfg.MaxErrBeforeWarn {
			if c.onResyncWarning != nil {
				c.onResyncWarning(c.errCount)
			}
		}
		c.ring.SeekToOffset(c.status.LastBufOff)
		slotBytes = c.ring.currentSlot()
		hdr = decodeHeader(slotBytes)
		c.expected = hdr.Sequence
	}

	c.pollOnce = false

	recs, err := c.codec.Decode(slotBytes[slotHeaderSize:], hdr.Num)
	if err != nil {
		return Slot{}, fmt.Errorf("ringbuf: decode slot: %w", err)
	}
	if c.cfg.PipeCheckCorePID && hdr.CorePID != c.cfg.CorePID {
		recs = nil // stale slot from a since-restarted collector: skip silently
	}

	c.ring.advance()
	c.advanceExpected()

	return Slot{Sequence: hdr.Sequence, CorePID: hdr.CorePID, Records: recs}, nil
}

// advanceExpected wraps the expected sequence counter at MaxSeqNum,
// skipping 0, and resets the sustained-mismatch counter exactly on the
// full wrap (original source: "if (seq == 0) rg_err_count = FALSE;"),
// not on every successful read.
func (c *Consumer) advanceExpected() {
	c.expected++
	c.expected %= MaxSeqNum
	if c.expected == 0 {
		c.expected = 1
		c.errCount = 0
	}
}

// ResetPollFlag marks that the next NextSlot call follows a fresh poll
// wakeup, as opposed to the amortized "more slots queued" drain of a
// single wakeup, re-arming the repoll-before-resync protocol.
func (c *Consumer) ResetPollFlag() {
	c.pollOnce = true
}

// errMismatchRepoll is a sentinel signaling "no data yet, repoll",
// distinct from a real decode failure. It is intentionally unexported:
// callers test for it with IsRepoll.
var errMismatchRepoll = errors.New("ringbuf: sequence mismatch, repoll")

// IsRepoll reports whether err is the repoll sentinel.
func IsRepoll(err error) bool {
	return errors.Is(err, errMismatchRepoll)
}
