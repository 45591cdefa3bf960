package rpc

import (
	"fmt"

	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/wire"
)

// AllocMsgBuffer returns a dynamic message buffer holding up to
// maxDataSize payload bytes, or an invalid buffer if the arena is out
// of memory. Background-safe on multi-threaded endpoints.
func (r *Rpc) AllocMsgBuffer(maxDataSize int) msgbuf.MsgBuffer {
	if maxDataSize < 0 || maxDataSize > r.maxMsgSize {
		panic(fmt.Sprintf("rpc: AllocMsgBuffer size %d out of range [0, %d]", maxDataSize, r.maxMsgSize))
	}
	numPkts := wire.NumPkts(uint32(maxDataSize), r.params.MaxDataPerPkt)

	r.allocMu.lock()
	backing := r.arena.Alloc(msgbuf.BackingSize(maxDataSize, numPkts))
	r.allocMu.unlock()

	if !backing.IsValid() {
		return msgbuf.MsgBuffer{}
	}
	return msgbuf.New(backing, maxDataSize, numPkts)
}

// ResizeMsgBuffer lowers mb's payload size and recomputes its packet
// count without touching memory.
func (r *Rpc) ResizeMsgBuffer(mb *msgbuf.MsgBuffer, newDataSize int) {
	mb.Resize(newDataSize, wire.NumPkts(uint32(newDataSize), r.params.MaxDataPerPkt))
}

// FreeMsgBuffer returns a buffer obtained from AllocMsgBuffer to the
// arena. Preallocated (session-owned) buffers must not be freed by the
// application. Background-safe on multi-threaded endpoints.
func (r *Rpc) FreeMsgBuffer(mb msgbuf.MsgBuffer) {
	if mb.IsPrealloc() {
		panic("rpc: freeing a session-owned preallocated buffer")
	}
	if !mb.IsDynamic() {
		panic("rpc: freeing a buffer that does not own arena memory")
	}
	r.allocMu.lock()
	r.arena.Free(mb.Backing())
	r.allocMu.unlock()
}
