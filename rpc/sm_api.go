package rpc

import (
	"github.com/fabrpc/frpc/sm"
)

// CreateSession creates a client session to the endpoint
// (remHostname, remEndpointID) and initiates the connect handshake.
// remHostname is the peer registry's SM address ("host:port"). Returns
// nil if the session cannot be created; otherwise the SM handler will
// later receive Connected or ConnectFailed. Creator thread only.
func (r *Rpc) CreateSession(remHostname string, remEndpointID uint8, remPhyPort uint8) *Session {
	log := r.log.WithField("remote", remHostname).WithField("remote_endpoint", remEndpointID)

	if !r.inCreator() {
		log.Error("create session failed: caller is not the creator thread")
		return nil
	}
	if remPhyPort >= MaxPhyPorts {
		log.Error("create session failed: invalid remote fabric port")
		return nil
	}
	if remHostname == "" || len(remHostname) > sm.MaxHostnameLen {
		log.Error("create session failed: invalid remote hostname")
		return nil
	}
	if remHostname == r.reg.Hostname() && remEndpointID == r.endpointID {
		log.Error("create session failed: remote endpoint is same as local")
		return nil
	}
	for _, existing := range r.sessionVec {
		if existing == nil {
			continue
		}
		if existing.server.Hostname == remHostname && existing.server.EndpointID == remEndpointID {
			log.Error("create session failed: session to this remote endpoint already exists")
			return nil
		}
	}
	if len(r.sessionVec) >= MaxSessionsPerEndpoint {
		log.Error("create session failed: session limit reached")
		return nil
	}

	s := newSession(RoleClient, SessionStateConnectInProgress)
	if !r.fillPreRespMsgbufs(s) {
		log.Error("create session failed: could not allocate prealloc response buffers")
		return nil
	}

	secret := randSecret()
	s.client = sm.SessionEndpoint{
		TransportType: r.tr.Type(),
		Hostname:      r.reg.Hostname(),
		PhyPort:       r.phyPort,
		EndpointID:    r.endpointID,
		SessionNum:    uint16(len(r.sessionVec)),
		Secret:        secret,
		RoutingInfo:   r.tr.LocalRoutingInfo(),
	}
	s.server = sm.SessionEndpoint{
		TransportType: r.tr.Type(),
		Hostname:      remHostname,
		PhyPort:       remPhyPort,
		EndpointID:    remEndpointID,
		// SessionNum and RoutingInfo arrive with the connect response
		Secret: secret,
	}
	s.localSessionNum = s.client.SessionNum

	r.sessionVec = append(r.sessionVec, s)
	r.mgmtRetryQueueAdd(s)

	log.WithField("session", s.localSessionNum).Info("sending first connect request")
	r.sendConnectReqOne(s)
	return s
}

// DestroySession initiates disconnect of a client session. It returns
// true if the disconnect handshake was started (the SM handler will
// later receive Disconnected or DisconnectFailed) and false if the
// session cannot be disconnected right now. Creator thread only.
func (r *Rpc) DestroySession(s *Session) bool {
	if !r.inCreator() {
		r.log.Error("destroy session failed: caller is not the creator thread")
		return false
	}
	if s == nil || !s.IsClient() {
		r.log.Error("destroy session failed: invalid session")
		return false
	}
	log := r.log.WithField("session", s.localSessionNum)

	switch s.state {
	case SessionStateConnectInProgress:
		// connection establishment owns the retry slot; the user must
		// wait for it to resolve
		log.Warn("destroy session failed: connect in progress")
		return false

	case SessionStateConnected:
		s.state = SessionStateDisconnectInProgress
		r.mgmtRetryQueueAdd(s)
		log.Info("sending first disconnect request")
		r.sendDisconnectReqOne(s)
		return true

	case SessionStateDisconnectInProgress:
		log.Warn("destroy session failed: disconnect already in progress")
		return false

	case SessionStateDisconnected:
		log.Warn("destroy session failed: session already destroyed")
		return false
	}
	panic("rpc: invalid session state")
}

// fillPreRespMsgbufs allocates the per-slot preallocated single-packet
// response buffers, rolling back on failure.
func (r *Rpc) fillPreRespMsgbufs(s *Session) bool {
	for i := range s.slots {
		mb := r.AllocMsgBuffer(r.params.MaxDataPerPkt)
		if !mb.IsValid() {
			for j := 0; j < i; j++ {
				r.freeDynamic(&s.slots[j].preRespMsgbuf)
			}
			return false
		}
		mb.MarkPrealloc()
		s.slots[i].preRespMsgbuf = mb
	}
	return true
}
