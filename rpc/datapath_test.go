package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/transport"
	"github.com/fabrpc/frpc/wire"
)

func TestSmallRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	env.roundTrip(t, s, 64)

	// steady state: all credits returned on both sides
	assert.Equal(t, SessionCredits, s.Credits())
	srv := env.server.sessionVec[0]
	assert.Equal(t, SessionCredits, srv.Credits())
	assert.Equal(t, UnexpPktWindow, env.server.unexpCredits)
}

func TestZeroByteRequest(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)
	got := env.roundTrip(t, s, 0)
	assert.Len(t, got, 0)
	assert.Equal(t, 1, wire.NumPkts(0, env.client.MaxDataPerPkt()))
}

func TestExactlyOnePacketRequest(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)
	size := env.client.MaxDataPerPkt()
	assert.Equal(t, 1, wire.NumPkts(uint32(size), env.client.MaxDataPerPkt()))
	env.roundTrip(t, s, size)
}

func TestLargeRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	// 8 KiB request spans 8 packets; the echoed response comes back
	// through a dynamic buffer
	env.roundTrip(t, s, 8*1024)

	assert.Equal(t, SessionCredits, s.Credits())
	assert.Equal(t, SessionCredits, env.server.sessionVec[0].Credits())
}

func TestLargeAsymmetricRoundTrip(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	req := env.client.AllocMsgBuffer(8 * 1024)
	require.True(t, req.IsValid())
	for i := range req.Data() {
		req.Data()[i] = byte(i)
	}

	// the handler parks the request; the test answers with 16 KiB below
	env.serverCtx.mu.Lock()
	env.serverCtx.deferResponses = true
	env.serverCtx.mu.Unlock()

	var done bool
	var gotLen int
	err := env.client.EnqueueRequest(s, echoReqType, &req, func(h ops.RespHandle, _ interface{}, _ uint64) {
		gotLen = h.RespMsgBuf().DataSize()
		env.client.ReleaseResponse(h)
		done = true
	}, 0)
	require.Equal(t, DatapathOK, err)

	// wait for the deferred handler to capture the request
	env.spin(t, func() bool {
		env.serverCtx.mu.Lock()
		defer env.serverCtx.mu.Unlock()
		return len(env.serverCtx.deferred) == 1
	})

	// during the in-flight request exactly one client credit is held
	assert.Equal(t, SessionCredits-1, s.Credits())

	// respond with 16 KiB
	env.serverCtx.mu.Lock()
	h := env.serverCtx.deferred[0]
	env.serverCtx.deferred = nil
	env.serverCtx.mu.Unlock()

	resp := env.server.AllocMsgBuffer(16 * 1024)
	require.True(t, resp.IsValid())
	for i := range resp.Data() {
		resp.Data()[i] = byte(i % 7)
	}
	h.SetDynRespMsgBuf(&resp)
	env.server.EnqueueResponse(h)

	env.spin(t, func() bool { return done })
	assert.Equal(t, 16*1024, gotLen)
	assert.Equal(t, SessionCredits, s.Credits())

	env.client.FreeMsgBuffer(req)
}

func TestSlotStress(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	bufs := make([]interface{}, 0, SessionReqWindow)
	cont := func(h ops.RespHandle, _ interface{}, _ uint64) {}

	for i := 0; i < SessionReqWindow; i++ {
		mb := env.client.AllocMsgBuffer(32)
		require.True(t, mb.IsValid())
		require.Equal(t, DatapathOK, env.client.EnqueueRequest(s, echoReqType, &mb, cont, uint64(i)))
		bufs = append(bufs, mb)
	}

	// the window is full; one more request must fail cleanly
	mb := env.client.AllocMsgBuffer(32)
	require.True(t, mb.IsValid())
	assert.Equal(t, ErrNoSessionMsgSlots, env.client.EnqueueRequest(s, echoReqType, &mb, cont, 99))

	// every busy slot implies TX-queue membership
	assert.True(t, s.inTxQueue)
	for i := range s.slots {
		if s.slots[i].txMsgbuf != nil {
			assert.True(t, s.inTxQueue)
		}
	}
}

func TestEnqueueRequestArgErrors(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)
	cont := func(h ops.RespHandle, _ interface{}, _ uint64) {}

	mb := env.client.AllocMsgBuffer(32)
	require.True(t, mb.IsValid())

	assert.Equal(t, ErrInvalidSessionArg, env.client.EnqueueRequest(nil, echoReqType, &mb, cont, 0))
	assert.Equal(t, ErrInvalidMsgBufferArg, env.client.EnqueueRequest(s, echoReqType, nil, cont, 0))

	assert.Equal(t, ErrInvalidReqTypeArg, env.client.EnqueueRequest(s, 42, &mb, cont, 0))
	assert.Equal(t, ErrInvalidReqFuncArg, env.client.EnqueueRequest(s, echoReqType, &mb, nil, 0))

	big := env.client.AllocMsgBuffer(env.client.MaxMsgSize())
	require.True(t, big.IsValid())
	env.client.ResizeMsgBuffer(&big, env.client.MaxMsgSize())
	assert.Equal(t, DatapathOK, env.client.EnqueueRequest(s, echoReqType, &big, cont, 0))
}

func TestReqNumMonotonicPerSlot(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	var reqNums []uint64
	for i := 0; i < 4; i++ {
		env.roundTrip(t, s, 16)
		// all slots free again; the slot just used is top of stack
		idx := s.freeSlots[len(s.freeSlots)-1]
		reqNums = append(reqNums, s.slots[idx].reqNum)
	}
	for i := 1; i < len(reqNums); i++ {
		assert.Greater(t, reqNums[i], reqNums[i-1], "request numbers must increase")
		assert.Equal(t, reqNums[i]&(SessionReqWindow-1), reqNums[i-1]&(SessionReqWindow-1),
			"same slot must be reused")
	}
}

func TestStaleResponseDropped(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)
	env.roundTrip(t, s, 64)

	// forge a response carrying the previous (stale) request number
	srv := env.server.sessionVec[0]
	staleReqNum := uint64(SessionReqWindow - 1) // generation 0, slot 7
	hdr := wire.PktHdr{
		ReqType:        echoReqType,
		MsgSize:        4,
		DestSessionNum: srv.client.SessionNum,
		ReqNum:         staleReqNum,
		PktNum:         0,
		Type:           wire.PktTypeResp,
		Magic:          wire.Magic,
	}
	var raw [wire.HdrSize]byte
	hdr.Marshal(raw[:])
	dest, err := env.serverPort.Resolve(env.clientPort.LocalRoutingInfo())
	require.NoError(t, err)
	env.serverPort.TxBurst([]transport.TxItem{{Dest: dest, Hdr: raw[:], Data: []byte("late")}})

	before := s.Credits()
	env.client.RunEventLoopOnce()
	// the stale packet neither invokes a continuation nor replenishes
	// credits beyond the cap
	assert.Equal(t, before, s.Credits())
}

func TestRunEventLoopTimeout(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	start := time.Now()
	env.client.RunEventLoopTimeout(20 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBackgroundHandlers(t *testing.T) {
	env := newTestEnv(t, envOpts{numBgWorkers: 2, background: true})
	s := env.connect(t)

	var mu sync.Mutex
	var got []byte
	done := false

	req := env.client.AllocMsgBuffer(256)
	require.True(t, req.IsValid())
	for i := range req.Data() {
		req.Data()[i] = byte(i)
	}

	err := env.client.EnqueueRequest(s, echoReqType, &req, func(h ops.RespHandle, _ interface{}, _ uint64) {
		mu.Lock()
		defer mu.Unlock()
		got = append([]byte(nil), h.RespMsgBuf().Data()...)
		env.client.ReleaseResponse(h)
		done = true
	}, 0)
	require.Equal(t, DatapathOK, err)

	env.spin(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})

	mu.Lock()
	require.Len(t, got, 256)
	for i := range got {
		require.Equal(t, byte(i), got[i])
	}
	mu.Unlock()

	// the explicit credit return and the response together must not
	// overshoot the credit cap
	env.spin(t, func() bool { return s.Credits() == SessionCredits })
	env.client.FreeMsgBuffer(req)
}
