package rpc

import (
	"time"

	"github.com/pkg/errors"

	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/sm"
	"github.com/fabrpc/frpc/util/envconst"
)

// Management requests are retried on a fixed interval up to a cap,
// after which the operation completes with a failure callback.
func smRetryInterval() time.Duration {
	return envconst.Duration("FRPC_SM_RETRY_INTERVAL", 50*time.Millisecond)
}

func smMaxRetries() int {
	return envconst.Int("FRPC_SM_MAX_RETRIES", 20)
}

func (r *Rpc) mgmtRetryQueueAdd(s *Session) {
	if r.mgmtRetryQueueContains(s) {
		panic("rpc: session already has a management request in flight")
	}
	s.numSmRetries = 0
	r.mgmtRetryQueue = append(r.mgmtRetryQueue, s)
}

func (r *Rpc) mgmtRetryQueueRemove(s *Session) {
	for i, q := range r.mgmtRetryQueue {
		if q == s {
			r.mgmtRetryQueue = append(r.mgmtRetryQueue[:i], r.mgmtRetryQueue[i+1:]...)
			return
		}
	}
}

func (r *Rpc) mgmtRetryQueueContains(s *Session) bool {
	for _, q := range r.mgmtRetryQueue {
		if q == s {
			return true
		}
	}
	return false
}

// sendConnectReqOne sends one (possibly retried) connect request.
func (r *Rpc) sendConnectReqOne(s *Session) {
	r.sendSmReqOne(s, sm.PktTypeConnectReq)
}

// sendDisconnectReqOne sends one (possibly retried) disconnect request.
func (r *Rpc) sendDisconnectReqOne(s *Session) {
	r.sendSmReqOne(s, sm.PktTypeDisconnectReq)
}

func (r *Rpc) sendSmReqOne(s *Session, pktType sm.PktType) {
	pkt := &sm.Pkt{
		Type:   pktType,
		Client: s.client,
		Server: s.server,
	}
	if err := r.reg.SendSmPkt(pkt); err != nil {
		// the retry sweep will try again; an unreachable peer
		// eventually exhausts the cap
		r.log.WithError(err).WithField("session", s.localSessionNum).Warn("failed to send SM request")
	}
	s.lastSmSend = time.Now()
}

// mgmtRetry resends expired management requests and fails sessions
// whose retry cap is exhausted.
func (r *Rpc) mgmtRetry() {
	now := time.Now()
	// handlers below mutate the queue; sweep over a snapshot
	snapshot := append([]*Session(nil), r.mgmtRetryQueue...)
	for _, s := range snapshot {
		if now.Sub(s.lastSmSend) < smRetryInterval() {
			continue
		}

		s.numSmRetries++
		if s.numSmRetries > smMaxRetries() {
			r.mgmtRetryQueueRemove(s)
			log := r.log.WithField("session", s.localSessionNum)
			switch s.state {
			case SessionStateConnectInProgress:
				log.Error("connect retry cap exhausted, giving up")
				r.smHandler(s.localSessionNum, ops.SmEventConnectFailed,
					errors.New("rpc: connect timed out"), r.context)
			case SessionStateDisconnectInProgress:
				// the peer is gone; that counts as observed error and
				// unblocks destruction
				log.Error("disconnect retry cap exhausted, giving up")
				r.smHandler(s.localSessionNum, ops.SmEventDisconnectFailed,
					errors.New("rpc: disconnect timed out"), r.context)
			default:
				panic("rpc: session in retry queue with no request in flight")
			}
			r.burySession(s)
			continue
		}

		prom.SmRetries.Inc()
		debugf("retrying SM request for session %d (attempt %d)", s.localSessionNum, s.numSmRetries)
		switch s.state {
		case SessionStateConnectInProgress:
			r.sendConnectReqOne(s)
		case SessionStateDisconnectInProgress:
			r.sendDisconnectReqOne(s)
		default:
			panic("rpc: session in retry queue with no request in flight")
		}
	}
}
