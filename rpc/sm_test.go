package rpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/frpc/ops"
)

func TestSessionHandshake(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)

	assert.Equal(t, SessionStateConnected, s.State())
	assert.Equal(t, 1, env.client.NumActiveSessions())
	assert.Equal(t, 1, env.server.NumActiveSessions())

	// the server assigned its own session number and routing info
	assert.NotEmpty(t, s.server.RoutingInfo)

	ev, ok := env.serverCtx.lastEvent()
	require.True(t, ok)
	assert.Equal(t, ops.SmEventConnected, ev.event)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	assert.Nil(t, env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, MaxPhyPorts),
		"invalid fabric port")
	assert.Nil(t, env.client.CreateSession("", serverEndpointID, 0), "empty hostname")
	assert.Nil(t, env.client.CreateSession(strings.Repeat("x", 200), serverEndpointID, 0),
		"overlong hostname")
	assert.Nil(t, env.client.CreateSession(env.clientReg.Hostname(), clientEndpointID, 0),
		"self connection")

	s := env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0)
	require.NotNil(t, s)
	assert.Nil(t, env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0),
		"duplicate session to same remote endpoint")
}

func TestDestroySessionStates(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	s := env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0)
	require.NotNil(t, s)
	require.Equal(t, SessionStateConnectInProgress, s.State())

	// scenario: destroying mid-connect fails and changes nothing
	assert.False(t, env.client.DestroySession(s))
	assert.Equal(t, SessionStateConnectInProgress, s.State())

	env.spin(t, func() bool { return s.State() == SessionStateConnected })

	assert.True(t, env.client.DestroySession(s))
	assert.Equal(t, SessionStateDisconnectInProgress, s.State())
	assert.False(t, env.client.DestroySession(s), "disconnect already in progress")

	env.spin(t, func() bool { return s.State() == SessionStateDisconnected })

	// idempotent destruction: no side effect on a dead session
	assert.False(t, env.client.DestroySession(s))
	assert.Equal(t, 0, env.client.NumActiveSessions())
	assert.Equal(t, 0, env.server.NumActiveSessions())

	ev, ok := env.clientCtx.lastEvent()
	require.True(t, ok)
	assert.Equal(t, ops.SmEventDisconnected, ev.event)
}

func TestConnectRetryCapExpires(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	// no registry listens here; every connect request vanishes
	s := env.client.CreateSession("127.0.0.1:9", serverEndpointID, 0)
	require.NotNil(t, s)
	require.Equal(t, uint16(0), s.LocalSessionNum())

	env.spin(t, func() bool {
		ev, ok := env.clientCtx.lastEvent()
		return ok && ev.event == ops.SmEventConnectFailed
	})

	ev, _ := env.clientCtx.lastEvent()
	assert.Error(t, ev.err)

	// the session is buried: vector slot nulled, never recycled
	assert.Equal(t, 0, env.client.NumActiveSessions())
	require.Len(t, env.client.sessionVec, 1)
	assert.Nil(t, env.client.sessionVec[0])

	// a future create uses the next index
	s2 := env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0)
	require.NotNil(t, s2)
	assert.Equal(t, uint16(1), s2.LocalSessionNum())
}

func TestFailResolveRemoteRinfoClient(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	env.client.TestingFailResolveRemoteRinfoClient = true

	s := env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0)
	require.NotNil(t, s)

	env.spin(t, func() bool {
		ev, ok := env.clientCtx.lastEvent()
		return ok && ev.event == ops.SmEventConnectFailed
	})

	// the client never transitions to Connected and sends no datapath
	// packets on the buried session
	assert.Equal(t, 0, env.client.NumActiveSessions())
	assert.Nil(t, env.client.sessionVec[0])
	assert.Equal(t, ErrInvalidSessionArg,
		env.client.EnqueueRequest(s, echoReqType, nil, nil, 0))
}

func TestDisconnectUnblocksSlotForNewSessions(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.connect(t)
	env.roundTrip(t, s, 64)

	require.True(t, env.client.DestroySession(s))
	env.spin(t, func() bool { return s.State() == SessionStateDisconnected })

	// reconnecting to the same remote endpoint works once the old
	// session is buried
	s2 := env.client.CreateSession(env.serverReg.Hostname(), serverEndpointID, 0)
	require.NotNil(t, s2)
	env.spin(t, func() bool { return s2.State() == SessionStateConnected })
	env.roundTrip(t, s2, 64)
}
