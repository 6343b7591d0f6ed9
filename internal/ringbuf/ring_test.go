package ringbuf

import (
	"context"
	"net/netip"
	"testing"

	"github.com/user/acctcore/internal/record"
)

func mkPrimitive(addr string, bytes uint64) record.Primitive {
	return record.Primitive{
		SrcAddr: netip.MustParseAddr(addr),
		Bytes:   bytes,
		Packets: 1,
		Flows:   1,
	}
}

func TestCleanIngestSingleSlot(t *testing.T) {
	codec := NewFixedCodec()
	bufSz := slotHeaderSize + 3*int(codec.DataSize)
	ring := NewRing(uint32(bufSz), uint32(bufSz))
	status := &Status{}

	recs := []record.Primitive{
		mkPrimitive("10.0.0.1", 100),
		mkPrimitive("10.0.0.2", 200),
		mkPrimitive("10.0.0.3", 300),
	}
	WriteSlot(ring.Buf, 1, 42, codec, recs)

	cfg := Config{BufSz: uint32(bufSz), MaxErrBeforeWarn: 5, CorePID: 42, PipeCheckCorePID: true}
	c := NewConsumer(cfg, ring, status, codec)

	slot, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	if slot.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", slot.Sequence)
	}
	if len(slot.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(slot.Records))
	}
	if slot.Records[1].Bytes != 200 {
		t.Fatalf("Records[1].Bytes = %d, want 200", slot.Records[1].Bytes)
	}
}

func TestSequenceLossThenResync(t *testing.T) {
	codec := NewFixedCodec()
	slotSz := slotHeaderSize + int(codec.DataSize)
	// Three slots worth of ring space: seq=1, seq=2, seq=4 (seq=3 never arrives).
	ring := NewRing(uint32(slotSz*3), uint32(slotSz))
	status := &Status{}

	WriteSlot(ring.Buf[0:slotSz], 1, 7, codec, []record.Primitive{mkPrimitive("10.0.0.1", 1)})
	WriteSlot(ring.Buf[slotSz:2*slotSz], 2, 7, codec, []record.Primitive{mkPrimitive("10.0.0.2", 2)})
	WriteSlot(ring.Buf[2*slotSz:3*slotSz], 4, 7, codec, []record.Primitive{mkPrimitive("10.0.0.4", 4)})
	status.LastBufOff = uint32(2 * slotSz) // producer recorded its last-written offset

	cfg := Config{BufSz: uint32(slotSz), MaxErrBeforeWarn: 0}
	c := NewConsumer(cfg, ring, status, codec)

	s1, err := c.NextSlot(context.Background())
	if err != nil || s1.Sequence != 1 {
		t.Fatalf("first slot: seq=%d err=%v", s1.Sequence, err)
	}

	// Fresh poll wakeup before reading slot 2.
	c.ResetPollFlag()
	s2, err := c.NextSlot(context.Background())
	if err != nil || s2.Sequence != 2 {
		t.Fatalf("second slot: seq=%d err=%v", s2.Sequence, err)
	}

	// Ring pointer now lands on the seq=4 slot, but expected is 3: mismatch.
	c.ResetPollFlag()
	_, err = c.NextSlot(context.Background())
	if !IsRepoll(err) {
		t.Fatalf("first mismatch should be a silent repoll, got %v", err)
	}

	var warned int
	c.OnResyncWarning(func(errCount int) { warned = errCount })

	// Repoll without a fresh wakeup: sustained mismatch triggers resync.
	s4, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("resync slot: %v", err)
	}
	if s4.Sequence != 4 {
		t.Fatalf("after resync Sequence = %d, want 4", s4.Sequence)
	}
	if warned == 0 {
		t.Fatalf("expected resync warning to fire once MaxErrBeforeWarn exceeded")
	}
}

func TestSequenceWrapSkipsZero(t *testing.T) {
	codec := NewFixedCodec()
	slotSz := slotHeaderSize + int(codec.DataSize)
	ring := NewRing(uint32(slotSz), uint32(slotSz))
	status := &Status{}

	cfg := Config{BufSz: uint32(slotSz), MaxErrBeforeWarn: 1000}
	c := NewConsumer(cfg, ring, status, codec)
	c.expected = MaxSeqNum - 1

	WriteSlot(ring.Buf, MaxSeqNum-1, 1, codec, []record.Primitive{mkPrimitive("10.0.0.1", 1)})
	if _, err := c.NextSlot(context.Background()); err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	if c.expected != 1 {
		t.Fatalf("expected after wrap = %d, want 1 (0 skipped)", c.expected)
	}
}

func TestPipeCheckCorePIDSkipsStaleSlot(t *testing.T) {
	codec := NewFixedCodec()
	slotSz := slotHeaderSize + int(codec.DataSize)
	ring := NewRing(uint32(slotSz), uint32(slotSz))
	status := &Status{}

	WriteSlot(ring.Buf, 1, 999, codec, []record.Primitive{mkPrimitive("10.0.0.1", 1)})

	cfg := Config{BufSz: uint32(slotSz), MaxErrBeforeWarn: 5, PipeCheckCorePID: true, CorePID: 1}
	c := NewConsumer(cfg, ring, status, codec)

	slot, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	if len(slot.Records) != 0 {
		t.Fatalf("stale core_pid slot should yield no records, got %d", len(slot.Records))
	}
}
