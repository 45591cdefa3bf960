// Package rpc implements the per-endpoint RPC engine: a window-bounded
// request/response pipeline over an unreliable datagram transport,
// with per-session credits, an endpoint-wide unexpected-packet window,
// fragmentation and reassembly, and a retried three-way session
// handshake. One engine instance is bound to one fabric port and
// driven by a single creator thread running the event loop.
package rpc

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fabrpc/frpc/bufalloc"
	"github.com/fabrpc/frpc/logger"
	"github.com/fabrpc/frpc/msgbuf"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/registry"
	"github.com/fabrpc/frpc/sm"
	"github.com/fabrpc/frpc/transport"
	"github.com/fabrpc/frpc/wire"
)

// UnexpPktWindow is the endpoint-wide budget for incoming unexpected
// messages (requests, from this side's point of view).
const UnexpPktWindow = 20

// MaxPhyPorts bounds the fabric port index.
const MaxPhyPorts = 8

// MaxSessionsPerEndpoint bounds the session vector. Buried sessions
// keep their (nulled) vector slot, so this also caps lifetime creates.
const MaxSessionsPerEndpoint = 4096

// Rpc is one endpoint engine. All exported methods except the ones
// documented as background-safe must be called from the creator
// thread.
type Rpc struct {
	reg        *registry.Registry
	context    interface{}
	endpointID uint8
	smHandler  ops.SmHandler
	phyPort    uint8

	creatorTid    int
	multiThreaded bool

	tr         transport.Transport
	params     transport.Params
	arena      *bufalloc.Arena
	maxMsgSize int

	hook        registry.Hook
	smRxMailbox sm.Mailbox

	reqFuncs [ops.MaxReqTypes]ops.ReqFunc

	unexpCredits int

	// next request-number generation, per window slot, shared by all
	// sessions of this endpoint
	reqNumArr [SessionReqWindow]uint64

	// append-only; buried sessions become nil
	sessionVec []*Session

	mgmtRetryQueue []*Session
	txWorkQueue    []*Session

	txBatch     []transport.TxItem
	didMidFlush bool

	bg *bgQueue

	log          logger.Logger
	creationTime time.Time

	// engineMu serializes background workers against the event loop.
	// Unused in single-threaded endpoints.
	engineMu condLock
	// allocMu guards the arena in multi-threaded endpoints.
	allocMu condLock
	// set by the event loop while it holds engineMu, so re-entrant
	// calls from inline handlers skip the lock
	inEvLoop bool

	// Fault injection for testing.

	// TestingFailResolveRemoteRinfoClient makes the client fail to
	// resolve the server's routing info after a valid connect
	// response.
	TestingFailResolveRemoteRinfoClient bool
	// set on receipt of an SM FaultDropTxRemote packet
	faultDropTxLocal bool
}

// condLock is a mutex that is only engaged on multi-threaded
// endpoints, so single-threaded builds pay nothing on the datapath.
type condLock struct {
	engaged bool
	mu      sync.Mutex
}

func (m *condLock) lock() {
	if m.engaged {
		m.mu.Lock()
	}
}

func (m *condLock) unlock() {
	if m.engaged {
		m.mu.Unlock()
	}
}

// New constructs an endpoint engine attached to reg and bound to tr.
// The calling goroutine becomes the creator thread and is locked to
// its OS thread; the event loop must run on it. endpointID must be
// unique within the registry. Construction failures are fatal for the
// endpoint; no partial state is left behind.
func New(reg *registry.Registry, context interface{}, endpointID uint8,
	smHandler ops.SmHandler, phyPort uint8, tr transport.Transport,
	arena *bufalloc.Arena, log logger.Logger) (*Rpc, error) {

	if smHandler == nil {
		return nil, errors.New("rpc: nil session management handler")
	}
	if phyPort >= MaxPhyPorts {
		return nil, errors.Errorf("rpc: invalid physical port %d", phyPort)
	}

	// The event loop relies on thread identity for its single-writer
	// discipline; pin the creator goroutine to its OS thread.
	runtime.LockOSThread()

	params := tr.Params()
	maxClass := arena.MaxAllocSize()
	maxMsgSize := maxClass - (maxClass/params.MaxDataPerPkt)*wire.HdrSize
	if maxMsgSize > 1<<wire.MsgSizeBits-1 {
		maxMsgSize = 1<<wire.MsgSizeBits - 1
	}
	if wire.NumPkts(uint32(maxMsgSize), params.MaxDataPerPkt) > 1<<wire.PktNumBits {
		runtime.UnlockOSThread()
		return nil, errors.Errorf("rpc: transport MaxDataPerPkt %d too small for max message size %d",
			params.MaxDataPerPkt, maxMsgSize)
	}

	multiThreaded := reg.NumBgWorkers() > 0
	for i, fn := range reg.ReqFuncs() {
		if fn.Background && !multiThreaded {
			runtime.UnlockOSThread()
			return nil, errors.Errorf("rpc: request type %d wants background execution but the registry has no workers", i)
		}
	}

	r := &Rpc{
		reg:           reg,
		context:       context,
		endpointID:    endpointID,
		smHandler:     smHandler,
		phyPort:       phyPort,
		creatorTid:    unix.Gettid(),
		multiThreaded: multiThreaded,
		tr:            tr,
		params:        params,
		arena:         arena,
		maxMsgSize:    maxMsgSize,
		unexpCredits:  UnexpPktWindow,
		reqFuncs:      reg.ReqFuncs(),
		txBatch:       make([]transport.TxItem, 0, params.Postlist),
		log: log.WithField("subsystem", "rpc").
			WithField("endpoint", endpointID),
		creationTime: time.Now(),
		engineMu:     condLock{engaged: multiThreaded},
		allocMu:      condLock{engaged: multiThreaded},
	}

	r.hook = registry.Hook{EndpointID: endpointID, SmRxMailbox: &r.smRxMailbox}
	if err := reg.RegisterHook(&r.hook); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "rpc: register endpoint")
	}

	if multiThreaded {
		r.bg = newBgQueue(r, reg.NumBgWorkers())
	}

	r.log.WithField("max_msg_size", maxMsgSize).Info("endpoint up")
	return r, nil
}

// Close detaches the endpoint from its registry and stops background
// workers. Creator thread only; sessions should be disconnected first.
func (r *Rpc) Close() {
	if !r.inCreator() {
		r.log.Error("Close called from non-creator thread, ignored")
		return
	}
	if r.bg != nil {
		r.bg.stop()
	}
	r.reg.UnregisterHook(&r.hook)
	r.log.Info("endpoint down")
}

// inCreator reports whether the caller runs on the creator thread.
func (r *Rpc) inCreator() bool { return unix.Gettid() == r.creatorTid }

// lockCond takes the engine lock for background callers. Calls from
// the creator thread inside the event loop already hold it.
func (r *Rpc) lockCond() {
	if !r.multiThreaded {
		return
	}
	if r.inCreator() && r.inEvLoop {
		return
	}
	r.engineMu.lock()
}

func (r *Rpc) unlockCond() {
	if !r.multiThreaded {
		return
	}
	if r.inCreator() && r.inEvLoop {
		return
	}
	r.engineMu.unlock()
}

func (r *Rpc) sessionLockCond(s *Session) {
	if r.multiThreaded {
		s.mu.Lock()
	}
}

func (r *Rpc) sessionUnlockCond(s *Session) {
	if r.multiThreaded {
		s.mu.Unlock()
	}
}

// MaxMsgSize returns the largest request or response payload this
// endpoint can send, excluding packet headers.
func (r *Rpc) MaxMsgSize() int { return r.maxMsgSize }

// MaxDataPerPkt returns the transport's per-packet payload capacity.
func (r *Rpc) MaxDataPerPkt() int { return r.params.MaxDataPerPkt }

// NumActiveSessions counts live (non-buried) sessions. Creator thread
// only.
func (r *Rpc) NumActiveSessions() int {
	if !r.inCreator() {
		r.log.Error("NumActiveSessions called from non-creator thread")
		return 0
	}
	n := 0
	for _, s := range r.sessionVec {
		if s != nil {
			n++
		}
	}
	return n
}

// Uptime returns the time since the engine was constructed.
func (r *Rpc) Uptime() time.Duration { return time.Since(r.creationTime) }

// randSecret draws a fresh 48-bit session secret.
func randSecret() uint64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		panic(errors.Wrap(err, "rpc: reading random session secret"))
	}
	return binary.LittleEndian.Uint64(b[:]) & (1<<sm.SecretBits - 1)
}

// buryTxMsgbuf frees a slot's TX buffer if the engine owns it (dynamic
// response), and detaches it in any case. Request buffers belong to
// the application and are only detached.
func (r *Rpc) buryTxMsgbuf(slot *sslot) {
	if slot.dynRespMsgbuf != nil {
		r.freeDynamic(slot.dynRespMsgbuf)
		slot.dynRespMsgbuf = nil
	}
	slot.txMsgbuf = nil
}

// buryRxMsgbuf frees a slot's RX buffer if it is an engine-owned
// dynamic reassembly buffer, and invalidates it in any case.
func (r *Rpc) buryRxMsgbuf(slot *sslot) {
	if slot.rxMsgbuf.IsDynamic() && !slot.rxMsgbuf.IsPrealloc() {
		r.freeDynamic(&slot.rxMsgbuf)
	}
	slot.rxMsgbuf = msgbuf.MsgBuffer{}
	slot.rxBitmap = nil
	slot.rxPktsRcvd = 0
}

func (r *Rpc) freeDynamic(mb *msgbuf.MsgBuffer) {
	r.allocMu.lock()
	r.arena.Free(mb.Backing())
	r.allocMu.unlock()
}
