package ringbuf

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/user/acctcore/internal/record"
)

// FixedCodec encodes/decodes record.Primitive using the fixed-size
// "datasize" layout for the non-trailer case: each record occupies
// exactly DataSize bytes, no variable-length trailer. A record with a
// Custom trailer is out of FixedCodec's scope, see VLenCodec.
type FixedCodec struct {
	DataSize uint32
}

const fixedRecordSize = 16 + 16 + 2 + 2 + 1 + 1 + 2 + 6 + 6 + 8 + 8 + 8 + 8 + 8

// NewFixedCodec returns a FixedCodec sized to the record layout.
func NewFixedCodec() *FixedCodec {
	return &FixedCodec{DataSize: fixedRecordSize}
}

func (c *FixedCodec) Encode(recs []record.Primitive) []byte {
	out := make([]byte, 0, len(recs)*int(c.DataSize))
	for _, p := range recs {
		out = append(out, c.encodeOne(&p)...)
	}
	return out
}

func (c *FixedCodec) Decode(buf []byte, num uint32) ([]record.Primitive, error) {
	recs := make([]record.Primitive, 0, num)
	off := uint32(0)
	for i := uint32(0); i < num; i++ {
		if off+c.DataSize > uint32(len(buf)) {
			return nil, fmt.Errorf("ringbuf: short buffer decoding record %d/%d", i, num)
		}
		p, err := c.decodeOne(buf[off : off+c.DataSize])
		if err != nil {
			return nil, err
		}
		recs = append(recs, p)
		off += c.DataSize
	}
	return recs, nil
}

func (c *FixedCodec) encodeOne(p *record.Primitive) []byte {
	b := make([]byte, fixedRecordSize)
	srcBytes := p.SrcAddr.As16()
	dstBytes := p.DstAddr.As16()
	copy(b[0:16], srcBytes[:])
	copy(b[16:32], dstBytes[:])
	binary.LittleEndian.PutUint16(b[32:34], p.SrcPort)
	binary.LittleEndian.PutUint16(b[34:36], p.DstPort)
	b[36] = p.Proto
	b[37] = p.TCPFlags
	binary.LittleEndian.PutUint16(b[38:40], p.VLAN)
	copy(b[40:46], p.SrcMAC[:])
	copy(b[46:52], p.DstMAC[:])
	binary.LittleEndian.PutUint64(b[52:60], p.Bytes)
	binary.LittleEndian.PutUint64(b[60:68], p.Packets)
	binary.LittleEndian.PutUint64(b[68:76], p.Flows)
	binary.LittleEndian.PutUint64(b[76:84], uint64(p.FirstSeen))
	binary.LittleEndian.PutUint64(b[84:92], uint64(p.LastSeen))
	return b
}

func (c *FixedCodec) decodeOne(b []byte) (record.Primitive, error) {
	var p record.Primitive
	var srcBytes, dstBytes [16]byte
	copy(srcBytes[:], b[0:16])
	copy(dstBytes[:], b[16:32])
	p.SrcAddr = netip.AddrFrom16(srcBytes).Unmap()
	p.DstAddr = netip.AddrFrom16(dstBytes).Unmap()
	p.SrcPort = binary.LittleEndian.Uint16(b[32:34])
	p.DstPort = binary.LittleEndian.Uint16(b[34:36])
	p.Proto = b[36]
	p.TCPFlags = b[37]
	p.VLAN = binary.LittleEndian.Uint16(b[38:40])
	copy(p.SrcMAC[:], b[40:46])
	copy(p.DstMAC[:], b[46:52])
	p.Bytes = binary.LittleEndian.Uint64(b[52:60])
	p.Packets = binary.LittleEndian.Uint64(b[60:68])
	p.Flows = binary.LittleEndian.Uint64(b[68:76])
	p.FirstSeen = int64(binary.LittleEndian.Uint64(b[76:84]))
	p.LastSeen = int64(binary.LittleEndian.Uint64(b[84:92]))
	return p, nil
}

// WriteSlot encodes a full slot (header + records) into dst, which must
// be at least bufSz bytes. Used by tests to build ring fixtures and by
// the secondary-transport path to frame one whole message the same way
// a ring slot is framed.
func WriteSlot(dst []byte, seq, corePID uint32, codec Codec, recs []record.Primitive) {
	payload := codec.Encode(recs)
	encodeHeader(dst, SlotHeader{
		Sequence: seq,
		CorePID:  corePID,
		Len:      uint64(len(payload)),
		Num:      uint32(len(recs)),
	})
	copy(dst[slotHeaderSize:], payload)
}
