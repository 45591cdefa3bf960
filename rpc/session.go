package rpc

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/willf/bitset"

	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/sm"
	"github.com/fabrpc/frpc/transport"
)

// SessionReqWindow is the number of request slots per session, i.e.
// the number of concurrently outstanding requests. Power of two: the
// low bits of a request number encode the slot index.
const SessionReqWindow = 8

var sessionReqWindowShift = uint(bits.TrailingZeros(uint(SessionReqWindow)))

// SessionCredits is the per-session budget of in-flight message first
// packets.
const SessionCredits = 8

// SessionState is the lifecycle state of a session.
type SessionState int

const (
	SessionStateConnectInProgress SessionState = iota + 1
	SessionStateConnected
	SessionStateDisconnectInProgress
	SessionStateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnectInProgress:
		return "connect in progress"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnectInProgress:
		return "disconnect in progress"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionRole distinguishes the creating side from the accepting side.
type SessionRole int

const (
	RoleClient SessionRole = iota + 1
	RoleServer
)

// reqNumNone marks a server slot that has never carried a request.
const reqNumNone = math.MaxUint64

// sslot is one in-flight request/response pair. It doubles as the
// request handle passed to server handlers and the response handle
// passed to client continuations.
type sslot struct {
	session *Session
	index   int

	// message the TX engine is transmitting, nil when idle
	txMsgbuf     *msgbuf.MsgBuffer
	txPktsQueued int

	// reassembly target; aliases a receive-ring slot for small
	// messages, a dynamic buffer for large ones
	rxMsgbuf  msgbuf.MsgBuffer
	rxBitmap  *bitset.BitSet
	rxPktsRcvd int

	// permanent single-packet response buffer, session-owned
	preRespMsgbuf msgbuf.MsgBuffer
	dynRespMsgbuf *msgbuf.MsgBuffer
	preallocUsed  bool

	// client-only
	cont          ops.ContFunc
	tag           uint64
	clientPending bool
	crReceived    bool

	// server-only
	crSent  bool
	reqType uint8

	reqNum uint64
}

var (
	_ ops.ReqHandle  = (*sslot)(nil)
	_ ops.RespHandle = (*sslot)(nil)
)

func (s *sslot) ReqMsgBuf() *msgbuf.MsgBuffer     { return &s.rxMsgbuf }
func (s *sslot) PreRespMsgBuf() *msgbuf.MsgBuffer { return &s.preRespMsgbuf }
func (s *sslot) RespMsgBuf() *msgbuf.MsgBuffer    { return &s.rxMsgbuf }

func (s *sslot) SetDynRespMsgBuf(mb *msgbuf.MsgBuffer) {
	s.dynRespMsgbuf = mb
	s.preallocUsed = false
}

// Session is one side of a logical channel between two endpoints.
// Sessions are created by CreateSession (client) or by a connect
// request (server) and owned by the engine until buried.
type Session struct {
	role  SessionRole
	state SessionState

	client sm.SessionEndpoint
	server sm.SessionEndpoint

	localSessionNum uint16
	remoteDest      transport.Dest

	slots     [SessionReqWindow]sslot
	freeSlots []int
	credits   int

	inTxQueue bool

	// management retry bookkeeping
	lastSmSend   time.Time
	numSmRetries int

	// taken only on paths callable from background workers
	mu sync.Mutex
}

func newSession(role SessionRole, state SessionState) *Session {
	s := &Session{
		role:    role,
		state:   state,
		credits: SessionCredits,
	}
	s.freeSlots = make([]int, 0, SessionReqWindow)
	for i := range s.slots {
		s.slots[i].session = s
		s.slots[i].index = i
		s.slots[i].reqNum = reqNumNone
		s.slots[i].preallocUsed = true
		s.freeSlots = append(s.freeSlots, i)
	}
	return s
}

// IsClient reports whether this side created the session.
func (s *Session) IsClient() bool { return s.role == RoleClient }

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return s.state }

// LocalSessionNum returns this side's index into the engine's session
// vector.
func (s *Session) LocalSessionNum() uint16 { return s.localSessionNum }

// Credits returns the remaining session credits. Exposed for tests and
// stats; meaningful only from the creator thread.
func (s *Session) Credits() int { return s.credits }

// remoteSessionNum is the peer's session number, stamped into the
// destination field of outgoing packet headers.
func (s *Session) remoteSessionNum() uint16 {
	if s.role == RoleClient {
		return s.server.SessionNum
	}
	return s.client.SessionNum
}
