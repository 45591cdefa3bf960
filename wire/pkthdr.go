// Package wire implements the fixed 16-byte packet header that precedes
// every datapath packet on the fabric.
//
// The header is bit-stable: the on-wire layout is two little-endian
// 64-bit words with the fields packed at fixed bit offsets. Peers with
// different architectures must agree on these offsets, so Marshal and
// Unmarshal are the only places that know them.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HdrSize is the on-wire size of a packet header in bytes.
const HdrSize = 16

// Field widths. A message is limited to 2^MsgSizeBits - 1 bytes and
// 2^PktNumBits packets; request numbers wrap at 2^ReqNumBits.
const (
	MsgSizeBits = 24
	ReqNumBits  = 44
	PktNumBits  = 13
)

// Magic is the 4-bit sentinel carried in every header. Packets whose
// header does not carry it are dropped by the RX engine.
const Magic = 11

// PktType distinguishes the three kinds of datapath packets.
type PktType uint8

const (
	PktTypeReq PktType = iota + 1
	PktTypeResp
	PktTypeCreditReturn
)

func (t PktType) String() string {
	switch t {
	case PktTypeReq:
		return "request"
	case PktTypeResp:
		return "response"
	case PktTypeCreditReturn:
		return "credit-return"
	default:
		return fmt.Sprintf("PktType(%d)", uint8(t))
	}
}

// PktHdr is the decoded form of a packet header.
type PktHdr struct {
	ReqType        uint8
	MsgSize        uint32 // payload bytes of the whole message, not this packet
	DestSessionNum uint16 // session number in the receiver's session vector
	ReqNum         uint64 // 44 bits; low bits encode the slot index
	PktNum         uint16 // 13 bits; packet index within the message
	Type           PktType
	Magic          uint8
}

// Marshal packs h into buf, which must be exactly HdrSize bytes.
func (h *PktHdr) Marshal(buf []byte) {
	if len(buf) != HdrSize {
		panic("wire: packet header is 16 bytes long")
	}
	if h.MsgSize >= 1<<MsgSizeBits {
		panic(fmt.Sprintf("wire: message size %d exceeds %d bits", h.MsgSize, MsgSizeBits))
	}
	if h.ReqNum >= 1<<ReqNumBits {
		panic(fmt.Sprintf("wire: request number %d exceeds %d bits", h.ReqNum, ReqNumBits))
	}
	if h.PktNum >= 1<<PktNumBits {
		panic(fmt.Sprintf("wire: packet number %d exceeds %d bits", h.PktNum, PktNumBits))
	}
	w0 := uint64(h.ReqType) |
		uint64(h.MsgSize)<<8 |
		uint64(h.DestSessionNum)<<32 |
		(h.ReqNum&0xffff)<<48
	w1 := h.ReqNum>>16 |
		uint64(h.PktNum)<<28 |
		uint64(h.Type)<<41 |
		uint64(h.Magic&0xf)<<44
	binary.LittleEndian.PutUint64(buf[0:8], w0)
	binary.LittleEndian.PutUint64(buf[8:16], w1)
}

// Unmarshal decodes buf, which must be exactly HdrSize bytes.
func (h *PktHdr) Unmarshal(buf []byte) {
	if len(buf) != HdrSize {
		panic("wire: packet header is 16 bytes long")
	}
	w0 := binary.LittleEndian.Uint64(buf[0:8])
	w1 := binary.LittleEndian.Uint64(buf[8:16])
	h.ReqType = uint8(w0)
	h.MsgSize = uint32(w0>>8) & (1<<MsgSizeBits - 1)
	h.DestSessionNum = uint16(w0 >> 32)
	h.ReqNum = w0>>48 | (w1&(1<<28-1))<<16
	h.PktNum = uint16(w1>>28) & (1<<PktNumBits - 1)
	h.Type = PktType(w1 >> 41 & 0x7)
	h.Magic = uint8(w1 >> 44 & 0xf)
}

// CheckMagic reports whether the header carries the magic sentinel.
func (h *PktHdr) CheckMagic() bool { return h.Magic == Magic }

// NumPkts returns the number of packets a message of msgSize payload
// bytes spans. A zero-length message still occupies one packet.
func NumPkts(msgSize uint32, maxDataPerPkt int) int {
	if msgSize == 0 {
		return 1
	}
	return (int(msgSize) + maxDataPerPkt - 1) / maxDataPerPkt
}
