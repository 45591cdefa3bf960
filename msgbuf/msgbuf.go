// Package msgbuf implements message buffers: a payload region plus the
// inline per-packet headers the TX engine stamps before transmission.
//
// Layout of the backing memory for a buffer of maxNumPkts packets:
//
//	[ hdr 0 | payload (maxDataSize bytes) | hdr 1 | ... | hdr maxNumPkts-1 ]
//
// Header 0 immediately precedes the payload so that the first packet's
// header and data are contiguous and can be posted to the transport
// without gathering. Headers of later packets are packed after the
// payload region.
package msgbuf

import (
	"fmt"

	"github.com/fabrpc/frpc/bufalloc"
	"github.com/fabrpc/frpc/wire"
)

// MsgBuffer owns a payload region and its inline packet headers. The
// zero MsgBuffer is invalid.
type MsgBuffer struct {
	// full spans hdr 0 through the last trailing header. For RX ring
	// aliases it spans exactly the received packet.
	full    []byte
	backing bufalloc.Buffer

	dataSize    int
	maxDataSize int
	numPkts     int
	maxNumPkts  int

	// prealloc marks session-owned buffers (pre_resp); these are freed
	// at session teardown, never by the application.
	prealloc bool
}

// BackingSize returns the bytes of backing memory needed for a buffer
// with the given payload capacity and packet capacity.
func BackingSize(maxDataSize, maxNumPkts int) int {
	return maxDataSize + maxNumPkts*wire.HdrSize
}

// New wraps an arena allocation as a dynamic message buffer. backing
// must hold BackingSize(maxDataSize, maxNumPkts) bytes. The magic
// sentinel is written into header 0; the remaining header fields are
// stamped by the engine at enqueue time.
func New(backing bufalloc.Buffer, maxDataSize, maxNumPkts int) MsgBuffer {
	if len(backing.Bytes()) < BackingSize(maxDataSize, maxNumPkts) {
		panic(fmt.Sprintf("msgbuf: backing too small: %d < %d",
			len(backing.Bytes()), BackingSize(maxDataSize, maxNumPkts)))
	}
	mb := MsgBuffer{
		full:        backing.Bytes(),
		backing:     backing,
		dataSize:    maxDataSize,
		maxDataSize: maxDataSize,
		numPkts:     maxNumPkts,
		maxNumPkts:  maxNumPkts,
	}
	hdr := wire.PktHdr{Magic: wire.Magic}
	hdr.Marshal(mb.PktHdrBuf(0))
	return mb
}

// NewAlias wraps a single received packet (header plus payload) from
// the transport's receive ring as a read-only message buffer. No
// backing memory is owned; the ring slot must stay untouched until the
// alias is dropped.
func NewAlias(pkt []byte, dataSize int) MsgBuffer {
	if len(pkt) < wire.HdrSize+dataSize {
		panic(fmt.Sprintf("msgbuf: alias packet too small: %d < %d", len(pkt), wire.HdrSize+dataSize))
	}
	return MsgBuffer{
		full:        pkt[:wire.HdrSize+dataSize],
		dataSize:    dataSize,
		maxDataSize: dataSize,
		numPkts:     1,
		maxNumPkts:  1,
	}
}

// IsValid reports whether mb refers to memory.
func (mb *MsgBuffer) IsValid() bool { return mb.full != nil }

// IsDynamic reports whether mb owns arena memory that must eventually
// be returned. Ring aliases are not dynamic.
func (mb *MsgBuffer) IsDynamic() bool { return mb.backing.IsValid() }

// MarkPrealloc tags mb as session-owned. Prealloc buffers are freed at
// session teardown only.
func (mb *MsgBuffer) MarkPrealloc() { mb.prealloc = true }

// IsPrealloc reports whether mb is session-owned.
func (mb *MsgBuffer) IsPrealloc() bool { return mb.prealloc }

// Backing returns the arena allocation behind mb.
func (mb *MsgBuffer) Backing() bufalloc.Buffer { return mb.backing }

// Data returns the current payload region.
func (mb *MsgBuffer) Data() []byte {
	return mb.full[wire.HdrSize : wire.HdrSize+mb.dataSize]
}

func (mb *MsgBuffer) DataSize() int    { return mb.dataSize }
func (mb *MsgBuffer) MaxDataSize() int { return mb.maxDataSize }
func (mb *MsgBuffer) NumPkts() int     { return mb.numPkts }
func (mb *MsgBuffer) MaxNumPkts() int  { return mb.maxNumPkts }

// PktHdrBuf returns the 16-byte header region for packet i.
func (mb *MsgBuffer) PktHdrBuf(i int) []byte {
	if i < 0 || i >= mb.maxNumPkts {
		panic(fmt.Sprintf("msgbuf: header index %d out of range [0, %d)", i, mb.maxNumPkts))
	}
	if i == 0 {
		return mb.full[0:wire.HdrSize]
	}
	off := wire.HdrSize + mb.maxDataSize + (i-1)*wire.HdrSize
	return mb.full[off : off+wire.HdrSize]
}

// PktData returns the payload slice carried by packet i, given the
// transport's per-packet data limit.
func (mb *MsgBuffer) PktData(i, maxDataPerPkt int) []byte {
	data := mb.Data()
	lo := i * maxDataPerPkt
	hi := lo + maxDataPerPkt
	if hi > len(data) {
		hi = len(data)
	}
	return data[lo:hi]
}

// Resize lowers the payload size without touching memory. The packet
// count is recomputed by the engine, which knows the transport's
// per-packet limit; it is passed in here.
func (mb *MsgBuffer) Resize(newDataSize, newNumPkts int) {
	if newDataSize > mb.maxDataSize {
		panic(fmt.Sprintf("msgbuf: resize %d exceeds max data size %d", newDataSize, mb.maxDataSize))
	}
	mb.dataSize = newDataSize
	mb.numPkts = newNumPkts
}

// CheckMagic reports whether header 0 carries the magic sentinel.
// Only meaningful in debug assertions; the wire-level check happens in
// the RX engine on the received header.
func (mb *MsgBuffer) CheckMagic() bool {
	var hdr wire.PktHdr
	hdr.Unmarshal(mb.PktHdrBuf(0))
	return hdr.CheckMagic()
}
