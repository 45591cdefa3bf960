package rpc

import (
	"github.com/pkg/errors"

	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/sm"
	"github.com/fabrpc/frpc/transport"
)

// handleSessionManagement drains the SM mailbox and dispatches each
// packet. Runs on the creator thread as step one of the event loop.
func (r *Rpc) handleSessionManagement() {
	for _, pkt := range r.smRxMailbox.Drain() {
		switch pkt.Type {
		case sm.PktTypeConnectReq:
			r.handleConnectReq(pkt)
		case sm.PktTypeConnectResp:
			r.handleConnectResp(pkt)
		case sm.PktTypeDisconnectReq:
			r.handleDisconnectReq(pkt)
		case sm.PktTypeDisconnectResp:
			r.handleDisconnectResp(pkt)
		case sm.PktTypeFaultDropTxRemote:
			r.log.WithField("from", pkt.Client.Name()).Warn("received drop-TX fault injection")
			r.faultDropTxLocal = true
		default:
			r.log.WithField("type", int(pkt.Type)).Warn("dropping SM packet of invalid type")
		}
	}
}

// enqueueSmResp replies to req with errType, echoing both endpoint
// descriptors (and so the shared secret).
func (r *Rpc) enqueueSmResp(req *sm.Pkt, errType sm.ErrType) {
	resp := *req
	resp.Type = req.Type.ReqToResp()
	resp.Err = errType
	if err := r.reg.SendSmPkt(&resp); err != nil {
		r.log.WithError(err).Warn("failed to send SM response")
	}
}

// handleConnectReq creates a server session and replies. A retransmit
// of a connect request the server already accepted is answered with
// the original session's descriptor.
func (r *Rpc) handleConnectReq(pkt *sm.Pkt) {
	log := r.log.WithField("client", pkt.Client.Name())

	// retransmit detection: the (hostname, endpoint, session number)
	// triple identifies the client side uniquely
	for _, existing := range r.sessionVec {
		if existing == nil || existing.role != RoleServer {
			continue
		}
		c := &existing.client
		if c.Hostname == pkt.Client.Hostname && c.EndpointID == pkt.Client.EndpointID &&
			c.SessionNum == pkt.Client.SessionNum {
			log.Debug("connect request retransmit, re-sending response")
			resp := *pkt
			resp.Server = existing.server
			r.enqueueSmResp(&resp, sm.ErrNoError)
			return
		}
	}

	if pkt.Client.TransportType != r.tr.Type() {
		log.Warn("rejecting connect request: transport mismatch")
		r.enqueueSmResp(pkt, sm.ErrInvalidTransport)
		return
	}
	if pkt.Server.PhyPort >= MaxPhyPorts {
		log.Warn("rejecting connect request: invalid fabric port")
		r.enqueueSmResp(pkt, sm.ErrInvalidRemotePort)
		return
	}
	if len(r.sessionVec) >= MaxSessionsPerEndpoint {
		log.Warn("rejecting connect request: session limit reached")
		r.enqueueSmResp(pkt, sm.ErrTooManySessions)
		return
	}

	s := newSession(RoleServer, SessionStateConnected)
	if !r.fillPreRespMsgbufs(s) {
		log.Warn("rejecting connect request: out of arena memory")
		r.enqueueSmResp(pkt, sm.ErrOutOfMemory)
		return
	}

	dest, err := r.tr.Resolve(pkt.Client.RoutingInfo)
	if err != nil {
		log.WithError(err).Warn("rejecting connect request: cannot resolve client routing info")
		r.buryPreRespMsgbufs(s)
		r.enqueueSmResp(pkt, sm.ErrRoutingResolutionFailure)
		return
	}

	s.client = pkt.Client
	s.server = pkt.Server
	s.server.SessionNum = uint16(len(r.sessionVec))
	s.server.Secret = pkt.Client.Secret
	s.server.RoutingInfo = r.tr.LocalRoutingInfo()
	s.localSessionNum = s.server.SessionNum
	s.remoteDest = dest

	r.sessionVec = append(r.sessionVec, s)

	resp := *pkt
	resp.Server = s.server
	r.enqueueSmResp(&resp, sm.ErrNoError)

	log.WithField("session", s.localSessionNum).Info("accepted connect request")
	r.smHandler(s.localSessionNum, ops.SmEventConnected, nil, r.context)
}

// handleConnectResp completes (or fails) the client side of the
// handshake.
func (r *Rpc) handleConnectResp(pkt *sm.Pkt) {
	s := r.clientSessionForSmPkt(pkt)
	if s == nil {
		return
	}
	if s.state != SessionStateConnectInProgress {
		// response retransmit for a session that already resolved
		return
	}
	log := r.log.WithField("session", s.localSessionNum)

	r.mgmtRetryQueueRemove(s)

	if pkt.Err != sm.ErrNoError {
		log.WithField("sm_err", pkt.Err.String()).Warn("connect failed")
		r.smHandler(s.localSessionNum, ops.SmEventConnectFailed, pkt.Err.Err(), r.context)
		r.burySession(s)
		return
	}

	var dest transport.Dest
	var err error
	if r.TestingFailResolveRemoteRinfoClient {
		err = errors.New("fault injection: failing remote routing info resolution")
	} else {
		dest, err = r.tr.Resolve(pkt.Server.RoutingInfo)
	}
	if err != nil {
		log.WithError(err).Warn("connect failed: cannot resolve server routing info")
		r.smHandler(s.localSessionNum, ops.SmEventConnectFailed, err, r.context)
		r.burySession(s)
		return
	}

	s.server = pkt.Server
	s.remoteDest = dest
	s.state = SessionStateConnected
	log.Info("session connected")
	r.smHandler(s.localSessionNum, ops.SmEventConnected, nil, r.context)
}

// handleDisconnectReq tears down a server session and replies.
func (r *Rpc) handleDisconnectReq(pkt *sm.Pkt) {
	num := int(pkt.Server.SessionNum)
	if num >= len(r.sessionVec) {
		r.log.Warn("dropping disconnect request for unknown session")
		return
	}
	s := r.sessionVec[num]
	if s == nil || s.role != RoleServer {
		// already buried; answer anyway so the client stops retrying
		r.enqueueSmResp(pkt, sm.ErrNoError)
		return
	}
	if pkt.Client.Secret != s.client.Secret {
		r.log.WithField("session", num).Warn("dropping disconnect request with wrong secret")
		return
	}

	s.state = SessionStateDisconnectInProgress
	r.enqueueSmResp(pkt, sm.ErrNoError)
	s.state = SessionStateDisconnected

	r.log.WithField("session", num).Info("session disconnected by peer")
	r.smHandler(s.localSessionNum, ops.SmEventDisconnected, nil, r.context)
	r.burySession(s)
}

// handleDisconnectResp completes the client side of the disconnect.
func (r *Rpc) handleDisconnectResp(pkt *sm.Pkt) {
	s := r.clientSessionForSmPkt(pkt)
	if s == nil {
		return
	}
	if s.state != SessionStateDisconnectInProgress {
		return
	}

	r.mgmtRetryQueueRemove(s)
	s.state = SessionStateDisconnected
	r.log.WithField("session", s.localSessionNum).Info("session disconnected")
	r.smHandler(s.localSessionNum, ops.SmEventDisconnected, nil, r.context)
	r.burySession(s)
}

// clientSessionForSmPkt validates an SM response's addressing and
// secret echo, returning the session or nil.
func (r *Rpc) clientSessionForSmPkt(pkt *sm.Pkt) *Session {
	num := int(pkt.Client.SessionNum)
	if num >= len(r.sessionVec) {
		r.log.Warn("dropping SM response for unknown session")
		return nil
	}
	s := r.sessionVec[num]
	if s == nil || !s.IsClient() {
		return nil
	}
	if pkt.Client.Secret != s.client.Secret || pkt.Server.Secret != s.client.Secret {
		r.log.WithField("session", num).Warn("dropping SM response with wrong secret")
		return nil
	}
	return s
}

// burySession frees the session's engine-owned buffers and nulls its
// vector slot. The vector index is never recycled. Request buffers in
// flight belong to the application and are left alone.
func (r *Rpc) burySession(s *Session) {
	for i := range s.slots {
		slot := &s.slots[i]
		r.buryRxMsgbuf(slot)
		if slot.dynRespMsgbuf != nil {
			r.freeDynamic(slot.dynRespMsgbuf)
			slot.dynRespMsgbuf = nil
		}
		slot.txMsgbuf = nil
	}
	r.buryPreRespMsgbufs(s)

	s.state = SessionStateDisconnected
	r.sessionVec[s.localSessionNum] = nil
}

func (r *Rpc) buryPreRespMsgbufs(s *Session) {
	for i := range s.slots {
		if s.slots[i].preRespMsgbuf.IsValid() {
			r.freeDynamic(&s.slots[i].preRespMsgbuf)
		}
	}
}
