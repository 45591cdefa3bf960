package rpc

import (
	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/wire"
)

// EnqueueResponse queues the response for a request handle the server
// handler received. The payload is either the slot's preallocated
// single-packet buffer (the common case) or a dynamic buffer the
// handler installed via SetDynRespMsgBuf; dynamic response buffers are
// freed by the engine once fully transmitted. Background-safe on
// multi-threaded endpoints.
func (r *Rpc) EnqueueResponse(h ops.ReqHandle) {
	r.lockCond()
	defer r.unlockCond()

	slot := h.(*sslot)
	s := slot.session
	if s.role != RoleServer {
		panic("rpc: EnqueueResponse on a client session")
	}

	var mb *msgbuf.MsgBuffer
	if slot.preallocUsed {
		mb = &slot.preRespMsgbuf
	} else {
		if slot.dynRespMsgbuf == nil {
			panic("rpc: response enqueued without a response buffer")
		}
		mb = slot.dynRespMsgbuf
	}

	// the request's reassembly buffer is done now
	r.buryRxMsgbuf(slot)

	numPkts := wire.NumPkts(uint32(mb.DataSize()), r.params.MaxDataPerPkt)
	hdr := wire.PktHdr{
		ReqType:        slot.reqType,
		MsgSize:        uint32(mb.DataSize()),
		DestSessionNum: s.remoteSessionNum(),
		ReqNum:         slot.reqNum,
		Type:           wire.PktTypeResp,
		Magic:          wire.Magic,
	}
	for i := 0; i < numPkts; i++ {
		hdr.PktNum = uint16(i)
		hdr.Marshal(mb.PktHdrBuf(i))
	}

	slot.txMsgbuf = mb
	slot.txPktsQueued = 0
	r.upsertTxWorkQueue(s)
}

// ReleaseResponse recycles a client slot after the continuation is
// done with the response. The possibly dynamic response buffer is
// buried; the slot returns to the free stack. Background-safe on
// multi-threaded endpoints.
func (r *Rpc) ReleaseResponse(h ops.RespHandle) {
	r.lockCond()
	defer r.unlockCond()

	slot := h.(*sslot)
	s := slot.session
	if s.role != RoleClient {
		panic("rpc: ReleaseResponse on a server session")
	}
	if slot.txMsgbuf != nil {
		panic("rpc: releasing a response while the request is still transmitting")
	}

	r.buryRxMsgbuf(slot)
	slot.cont = nil

	r.sessionLockCond(s)
	s.freeSlots = append(s.freeSlots, slot.index)
	r.sessionUnlockCond(s)
}
