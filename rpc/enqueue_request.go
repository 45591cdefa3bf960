package rpc

import (
	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/wire"
)

// EnqueueRequest queues a request for transmission on a client
// session. On success the engine owns mb until the continuation is
// invoked; no transport I/O happens synchronously. Background-safe on
// multi-threaded endpoints.
func (r *Rpc) EnqueueRequest(s *Session, reqType uint8, mb *msgbuf.MsgBuffer,
	cont ops.ContFunc, tag uint64) DatapathError {

	r.lockCond()
	defer r.unlockCond()

	if s == nil || !s.IsClient() || s.state != SessionStateConnected {
		return ErrInvalidSessionArg
	}
	if mb == nil || !mb.IsValid() {
		return ErrInvalidMsgBufferArg
	}
	if mb.DataSize() > r.maxMsgSize {
		return ErrInvalidMsgSizeArg
	}
	if !r.reqFuncs[reqType].IsRegistered() {
		return ErrInvalidReqTypeArg
	}
	if cont == nil {
		return ErrInvalidReqFuncArg
	}
	numPkts := wire.NumPkts(uint32(mb.DataSize()), r.params.MaxDataPerPkt)
	if numPkts != mb.NumPkts() || numPkts > mb.MaxNumPkts() {
		return ErrInvalidMsgBufferArg
	}

	r.sessionLockCond(s)
	if len(s.freeSlots) == 0 {
		r.sessionUnlockCond(s)
		return ErrNoSessionMsgSlots
	}
	idx := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	r.sessionUnlockCond(s)

	// bump the slot's generation; the low bits are the slot index
	gen := r.reqNumArr[idx]
	r.reqNumArr[idx]++
	reqNum := gen<<sessionReqWindowShift | uint64(idx)

	slot := &s.slots[idx]
	slot.reqNum = reqNum
	slot.cont = cont
	slot.tag = tag
	slot.clientPending = true
	slot.crReceived = false
	slot.txMsgbuf = mb
	slot.txPktsQueued = 0
	slot.rxBitmap = nil
	slot.rxPktsRcvd = 0

	hdr := wire.PktHdr{
		ReqType:        reqType,
		MsgSize:        uint32(mb.DataSize()),
		DestSessionNum: s.remoteSessionNum(),
		ReqNum:         reqNum,
		Type:           wire.PktTypeReq,
		Magic:          wire.Magic,
	}
	for i := 0; i < numPkts; i++ {
		hdr.PktNum = uint16(i)
		hdr.Marshal(mb.PktHdrBuf(i))
	}

	r.upsertTxWorkQueue(s)
	return DatapathOK
}
