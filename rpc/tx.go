package rpc

import (
	"github.com/fabrpc/frpc/transport"
	"github.com/fabrpc/frpc/wire"
)

// upsertTxWorkQueue adds s to the TX work queue if not already there.
// A session appears at most once.
func (r *Rpc) upsertTxWorkQueue(s *Session) {
	if !s.inTxQueue {
		s.inTxQueue = true
		r.txWorkQueue = append(r.txWorkQueue, s)
	}
}

// txBatchAppend stages one packet. It returns false when the postlist
// is full and the per-iteration flush has already been spent, in which
// case the caller must stop and leave its session queued.
func (r *Rpc) txBatchAppend(item transport.TxItem) bool {
	if len(r.txBatch) == r.params.Postlist {
		if r.didMidFlush {
			return false
		}
		r.flushTxBatch()
		r.didMidFlush = true
	}
	if r.faultDropTxLocal {
		// fault injection: pretend the packet left the NIC
		return true
	}
	r.txBatch = append(r.txBatch, item)
	return true
}

func (r *Rpc) flushTxBatch() {
	if len(r.txBatch) == 0 {
		return
	}
	r.tr.TxBurst(r.txBatch)
	r.txBatch = r.txBatch[:0]
}

// processDatapathTxWorkQueue drains queued sessions into the transport
// postlist, respecting session credits. Sessions whose slots are all
// idle afterwards leave the queue; the postlist is flushed at most
// once mid-iteration and once at the end.
func (r *Rpc) processDatapathTxWorkQueue() {
	r.didMidFlush = false

	keep := r.txWorkQueue[:0]
	for _, s := range r.txWorkQueue {
		pending := false
		for i := range s.slots {
			slot := &s.slots[i]
			if slot.txMsgbuf == nil {
				continue
			}
			if !r.txSlot(s, slot) {
				pending = true
			}
		}
		if pending {
			keep = append(keep, s)
		} else {
			s.inTxQueue = false
		}
	}
	// clear dropped tail so buried sessions don't linger
	for i := len(keep); i < len(r.txWorkQueue); i++ {
		r.txWorkQueue[i] = nil
	}
	r.txWorkQueue = keep

	r.flushTxBatch()
}

// txSlot posts as many packets of the slot's TX message as credits and
// postlist capacity allow. It returns true when the message is fully
// posted and the slot was retired.
func (r *Rpc) txSlot(s *Session, slot *sslot) bool {
	mb := slot.txMsgbuf
	numPkts := mb.NumPkts()

	if slot.txPktsQueued == 0 {
		// the first packet of a message needs a session credit
		if s.credits == 0 {
			return false
		}
		if !r.txBatchAppend(transport.TxItem{
			Dest: s.remoteDest,
			Hdr:  mb.PktHdrBuf(0),
			Data: mb.PktData(0, r.params.MaxDataPerPkt),
		}) {
			return false
		}
		s.credits--
		slot.txPktsQueued = 1
		r.onFirstPktSent(s, slot)
	}

	// remaining packets are paced only by postlist capacity
	for slot.txPktsQueued < numPkts {
		i := slot.txPktsQueued
		if !r.txBatchAppend(transport.TxItem{
			Dest: s.remoteDest,
			Hdr:  mb.PktHdrBuf(i),
			Data: mb.PktData(i, r.params.MaxDataPerPkt),
		}) {
			return false
		}
		slot.txPktsQueued++
	}

	r.retireTxSlot(s, slot)
	return true
}

// onFirstPktSent performs the credit bookkeeping tied to a message's
// first packet leaving. A response's first packet carries the implicit
// return for the unexpected request it answers, unless an explicit
// credit return already went out.
func (r *Rpc) onFirstPktSent(s *Session, slot *sslot) {
	if s.role == RoleServer && !slot.crSent && r.unexpCredits < UnexpPktWindow {
		r.unexpCredits++
	}
}

// retireTxSlot runs when every packet of the slot's TX message has
// been posted.
func (r *Rpc) retireTxSlot(s *Session, slot *sslot) {
	if s.role == RoleClient {
		// the application owns the request buffer; detach only
		slot.txMsgbuf = nil
		return
	}
	// the response transmit pipeline slot frees up
	if s.credits < SessionCredits {
		s.credits++
	}
	r.buryTxMsgbuf(slot)
}

// sendCreditReturnNow emits an explicit credit return for the
// unexpected message described by hdr, bypassing the TX work queue.
// Used when the response cannot carry the implicit return in time.
func (r *Rpc) sendCreditReturnNow(s *Session, slot *sslot, reqHdr *wire.PktHdr) {
	cr := wire.PktHdr{
		ReqType:        reqHdr.ReqType,
		MsgSize:        0,
		DestSessionNum: s.remoteSessionNum(),
		ReqNum:         reqHdr.ReqNum,
		Type:           wire.PktTypeCreditReturn,
		Magic:          wire.Magic,
	}
	var buf [wire.HdrSize]byte
	cr.Marshal(buf[:])
	if !r.faultDropTxLocal {
		r.tr.TxBurst([]transport.TxItem{{Dest: s.remoteDest, Hdr: buf[:]}})
	}
	slot.crSent = true
	if r.unexpCredits < UnexpPktWindow {
		r.unexpCredits++
	}
	prom.CreditReturnsSent.Inc()
	debugf("sent explicit credit return: session %d req %d", s.localSessionNum, reqHdr.ReqNum)
}
