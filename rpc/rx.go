package rpc

import (
	"github.com/willf/bitset"

	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/wire"
)

func newPktBitmap(numPkts int) *bitset.BitSet {
	return bitset.New(uint(numPkts))
}

// processCompletions polls the receive ring once, classifies each
// packet and dispatches it. Ring slots are reposted only after every
// inline handler and continuation of the burst has returned, because
// small-message buffers alias the ring.
func (r *Rpc) processCompletions() {
	pkts := r.tr.RxBurst()
	if len(pkts) == 0 {
		return
	}
	for _, pkt := range pkts {
		r.processRxPkt(pkt)
	}
	r.tr.PostRecvs(len(pkts))
}

func (r *Rpc) processRxPkt(pkt []byte) {
	if len(pkt) < wire.HdrSize {
		prom.PktsDropped.WithLabelValues("runt").Inc()
		return
	}
	var hdr wire.PktHdr
	hdr.Unmarshal(pkt[:wire.HdrSize])

	if !hdr.CheckMagic() {
		prom.PktsDropped.WithLabelValues("bad_magic").Inc()
		return
	}
	if int(hdr.DestSessionNum) >= len(r.sessionVec) {
		prom.PktsDropped.WithLabelValues("bad_session").Inc()
		return
	}
	s := r.sessionVec[hdr.DestSessionNum]
	if s == nil || s.state != SessionStateConnected {
		prom.PktsDropped.WithLabelValues("bad_session").Inc()
		return
	}

	switch hdr.Type {
	case wire.PktTypeCreditReturn:
		r.processCreditReturn(s, &hdr)
	case wire.PktTypeReq:
		if s.role != RoleServer {
			prom.PktsDropped.WithLabelValues("role_mismatch").Inc()
			return
		}
		if wire.NumPkts(hdr.MsgSize, r.params.MaxDataPerPkt) == 1 {
			r.processSmallReq(s, &hdr, pkt)
		} else {
			r.processLargeMsgPkt(s, &hdr, pkt)
		}
	case wire.PktTypeResp:
		if s.role != RoleClient {
			prom.PktsDropped.WithLabelValues("role_mismatch").Inc()
			return
		}
		if wire.NumPkts(hdr.MsgSize, r.params.MaxDataPerPkt) == 1 {
			r.processSmallResp(s, &hdr, pkt)
		} else {
			r.processLargeMsgPkt(s, &hdr, pkt)
		}
	default:
		prom.PktsDropped.WithLabelValues("bad_pkt_type").Inc()
	}
}

// processCreditReturn replenishes the session credit the peer could
// not return implicitly. Client side only; the response, when it
// arrives, must not return the credit again.
func (r *Rpc) processCreditReturn(s *Session, hdr *wire.PktHdr) {
	if s.role != RoleClient {
		prom.PktsDropped.WithLabelValues("role_mismatch").Inc()
		return
	}
	slot := &s.slots[hdr.ReqNum&(SessionReqWindow-1)]
	if !slot.clientPending || slot.reqNum != hdr.ReqNum || slot.crReceived {
		prom.PktsDropped.WithLabelValues("stale").Inc()
		return
	}
	slot.crReceived = true
	if s.credits < SessionCredits {
		s.credits++
	}
}

// consumeUnexpCredit claims one slot of the endpoint-wide unexpected
// message window. Exhaustion means the fabric is carrying more
// unexpected traffic than the endpoint was configured for; under the
// lossless assumption that is a configuration error, so the packet is
// dropped and counted, not recovered.
func (r *Rpc) consumeUnexpCredit() bool {
	if r.unexpCredits == 0 {
		prom.UnexpCreditsExhausted.Inc()
		r.log.Warn("unexpected-packet window exhausted, dropping packet (configuration error?)")
		return false
	}
	r.unexpCredits--
	return true
}

func (r *Rpc) processSmallReq(s *Session, hdr *wire.PktHdr, pkt []byte) {
	slot := &s.slots[hdr.ReqNum&(SessionReqWindow-1)]
	if slot.reqNum != reqNumNone && hdr.ReqNum <= slot.reqNum {
		prom.PktsDropped.WithLabelValues("stale").Inc()
		return
	}
	if !r.consumeUnexpCredit() {
		return
	}

	slot.reqNum = hdr.ReqNum
	slot.reqType = hdr.ReqType
	slot.crSent = false
	slot.preallocUsed = true
	slot.dynRespMsgbuf = nil

	reqFunc := r.reqFuncs[hdr.ReqType]
	if !reqFunc.IsRegistered() {
		prom.PktsDropped.WithLabelValues("no_handler").Inc()
		return
	}

	if reqFunc.Background {
		// the ring slot cannot outlive this burst, and the reply will
		// not ship before the background handler runs: copy out and
		// return the peer's credit explicitly
		if !r.copyRxToDynamic(slot, hdr, pkt[wire.HdrSize:wire.HdrSize+int(hdr.MsgSize)]) {
			return
		}
		r.sendCreditReturnNow(s, slot, hdr)
		r.bg.submitReq(slot, reqFunc)
		return
	}

	slot.rxMsgbuf = msgbuf.NewAlias(pkt, int(hdr.MsgSize))
	if r.unexpCredits == 0 {
		// window would be exhausted before the handler's reply ships
		r.sendCreditReturnNow(s, slot, hdr)
	}
	reqFunc.Func(slot, r.context)
}

func (r *Rpc) processSmallResp(s *Session, hdr *wire.PktHdr, pkt []byte) {
	slot := &s.slots[hdr.ReqNum&(SessionReqWindow-1)]
	if !slot.clientPending || slot.reqNum != hdr.ReqNum {
		prom.PktsDropped.WithLabelValues("stale").Inc()
		return
	}

	// implicit credit return, unless an explicit one beat it
	if !slot.crReceived && s.credits < SessionCredits {
		s.credits++
	}
	slot.clientPending = false
	slot.txMsgbuf = nil // request buffer is the application's again

	slot.rxMsgbuf = msgbuf.NewAlias(pkt, int(hdr.MsgSize))
	r.dispatchCont(s, slot, hdr)
}

// dispatchCont invokes the continuation inline or on the background
// workers, per the request type's registration.
func (r *Rpc) dispatchCont(s *Session, slot *sslot, hdr *wire.PktHdr) {
	if r.reqFuncs[hdr.ReqType].Background {
		if !slot.rxMsgbuf.IsDynamic() {
			if !r.copyRxToDynamic(slot, hdr, slot.rxMsgbuf.Data()) {
				return
			}
		}
		r.bg.submitCont(slot)
		return
	}
	slot.cont(slot, r.context, slot.tag)
}

// copyRxToDynamic replaces a ring-aliasing rxMsgbuf with a dynamic
// copy that survives past this burst. Reports false on allocation
// failure (the packet is dropped, the peer will not see a reply).
func (r *Rpc) copyRxToDynamic(slot *sslot, hdr *wire.PktHdr, data []byte) bool {
	dyn := r.AllocMsgBuffer(int(hdr.MsgSize))
	if !dyn.IsValid() {
		prom.PktsDropped.WithLabelValues("oom").Inc()
		r.log.Warn("out of arena memory copying packet for background dispatch")
		return false
	}
	copy(dyn.Data(), data)
	slot.rxMsgbuf = dyn
	return true
}

// processLargeMsgPkt handles one packet of a multi-packet request or
// response. Packets may arrive in any order; duplicates are detected
// with the slot's packet bitmap.
func (r *Rpc) processLargeMsgPkt(s *Session, hdr *wire.PktHdr, pkt []byte) {
	numPkts := wire.NumPkts(hdr.MsgSize, r.params.MaxDataPerPkt)
	if int(hdr.PktNum) >= numPkts {
		prom.PktsDropped.WithLabelValues("bad_pkt_num").Inc()
		return
	}

	slot := &s.slots[hdr.ReqNum&(SessionReqWindow-1)]

	if s.role == RoleServer {
		if slot.reqNum != reqNumNone && hdr.ReqNum < slot.reqNum {
			prom.PktsDropped.WithLabelValues("stale").Inc()
			return
		}
		if slot.reqNum == reqNumNone || hdr.ReqNum > slot.reqNum {
			// first packet of a new request message (not necessarily
			// packet 0; arrival order is not assumed)
			if !r.consumeUnexpCredit() {
				return
			}
			// a half-assembled previous request on this slot is dead
			r.buryRxMsgbuf(slot)
			slot.reqNum = hdr.ReqNum
			slot.reqType = hdr.ReqType
			slot.crSent = false
			slot.preallocUsed = true
			slot.dynRespMsgbuf = nil
			if !r.beginReassembly(slot, hdr, numPkts) {
				return
			}
		}
	} else {
		if !slot.clientPending || slot.reqNum != hdr.ReqNum {
			prom.PktsDropped.WithLabelValues("stale").Inc()
			return
		}
		if slot.rxBitmap == nil {
			// first packet of the response implicitly returns the
			// session credit
			if !slot.crReceived && s.credits < SessionCredits {
				s.credits++
			}
			if !r.beginReassembly(slot, hdr, numPkts) {
				return
			}
		}
	}

	if slot.rxBitmap == nil {
		// the message already completed; trailing duplicate
		prom.PktsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if slot.rxBitmap.Test(uint(hdr.PktNum)) {
		prom.PktsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	slot.rxBitmap.Set(uint(hdr.PktNum))
	copy(slot.rxMsgbuf.PktData(int(hdr.PktNum), r.params.MaxDataPerPkt), pkt[wire.HdrSize:])
	slot.rxPktsRcvd++

	if slot.rxPktsRcvd < numPkts {
		return
	}

	// message complete
	slot.rxBitmap = nil
	slot.rxPktsRcvd = 0
	if s.role == RoleServer {
		reqFunc := r.reqFuncs[slot.reqType]
		if !reqFunc.IsRegistered() {
			prom.PktsDropped.WithLabelValues("no_handler").Inc()
			r.buryRxMsgbuf(slot)
			return
		}
		if reqFunc.Background {
			r.sendCreditReturnNow(s, slot, hdr)
			r.bg.submitReq(slot, reqFunc)
			return
		}
		if r.unexpCredits == 0 {
			r.sendCreditReturnNow(s, slot, hdr)
		}
		reqFunc.Func(slot, r.context)
	} else {
		slot.clientPending = false
		slot.txMsgbuf = nil
		r.dispatchCont(s, slot, hdr)
	}
}

// beginReassembly allocates the dynamic buffer a multi-packet message
// is assembled into.
func (r *Rpc) beginReassembly(slot *sslot, hdr *wire.PktHdr, numPkts int) bool {
	dyn := r.AllocMsgBuffer(int(hdr.MsgSize))
	if !dyn.IsValid() {
		prom.PktsDropped.WithLabelValues("oom").Inc()
		r.log.Warn("out of arena memory for reassembly buffer")
		return false
	}
	slot.rxMsgbuf = dyn
	slot.rxBitmap = newPktBitmap(numPkts)
	slot.rxPktsRcvd = 0
	return true
}
