// Package ops defines the application-facing callback types: request
// handlers, response continuations, and the session-management event
// handler. Handlers are registered at the registry before endpoints
// are created and shared by all endpoints of the process.
package ops

import (
	"fmt"

	"github.com/fabrpc/frpc/msgbuf"
)

// MaxReqTypes is the size of the request-type space (request type is a
// single header byte).
const MaxReqTypes = 256

// ReqHandle is the server-side view of one received request. The
// handler fills a response into PreRespMsgBuf (payloads up to one
// packet) or into a dynamic buffer it installs via SetDynRespMsgBuf,
// then passes the handle to Rpc.EnqueueResponse.
type ReqHandle interface {
	// ReqMsgBuf returns the received request payload.
	ReqMsgBuf() *msgbuf.MsgBuffer
	// PreRespMsgBuf returns the slot's preallocated single-packet
	// response buffer. Using it is the common-case path.
	PreRespMsgBuf() *msgbuf.MsgBuffer
	// SetDynRespMsgBuf installs a handler-allocated response buffer
	// for payloads larger than one packet. The engine frees it after
	// the response is fully transmitted.
	SetDynRespMsgBuf(mb *msgbuf.MsgBuffer)
}

// RespHandle is the client-side view of one completed request. The
// continuation reads the response through it and must eventually pass
// it to Rpc.ReleaseResponse to recycle the slot.
type RespHandle interface {
	RespMsgBuf() *msgbuf.MsgBuffer
}

// ReqFunc is one registered request handler.
type ReqFunc struct {
	Func func(h ReqHandle, ctx interface{})
	// Background routes this request type's handler and continuation
	// to the endpoint's background workers instead of running them
	// inline on the event loop.
	Background bool
}

// IsRegistered reports whether a handler was registered.
func (f ReqFunc) IsRegistered() bool { return f.Func != nil }

// ContFunc is the continuation invoked when a response arrives. tag is
// the opaque value passed to EnqueueRequest.
type ContFunc func(h RespHandle, ctx interface{}, tag uint64)

// SmEventType enumerates session-management events delivered to the
// application.
type SmEventType int

const (
	SmEventConnected SmEventType = iota + 1
	SmEventConnectFailed
	SmEventDisconnected
	SmEventDisconnectFailed
)

func (t SmEventType) String() string {
	switch t {
	case SmEventConnected:
		return "connected"
	case SmEventConnectFailed:
		return "connect failed"
	case SmEventDisconnected:
		return "disconnected"
	case SmEventDisconnectFailed:
		return "disconnect failed"
	default:
		return fmt.Sprintf("SmEventType(%d)", int(t))
	}
}

// SmHandler receives session lifecycle events for one endpoint. err is
// non-nil for the failure events.
type SmHandler func(localSessionNum uint16, event SmEventType, err error, ctx interface{})
