package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/frpc/logger"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/sm"
)

func newTestRegistry(t *testing.T) *Registry {
	r, err := New("127.0.0.1:0", 0, logger.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func waitMailbox(t *testing.T, m *sm.Mailbox) *sm.Pkt {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Len() > 0 {
			pkts := m.Drain()
			require.Len(t, pkts, 1)
			return pkts[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for SM packet")
	return nil
}

func TestRegisterReqFunc(t *testing.T) {
	r := newTestRegistry(t)

	fn := ops.ReqFunc{Func: func(ops.ReqHandle, interface{}) {}}
	require.NoError(t, r.RegisterReqFunc(1, fn))
	assert.Error(t, r.RegisterReqFunc(1, fn), "duplicate registration")
	assert.Error(t, r.RegisterReqFunc(2, ops.ReqFunc{}), "nil handler")

	require.NoError(t, r.RegisterHook(&Hook{EndpointID: 0, SmRxMailbox: &sm.Mailbox{}}))
	assert.Error(t, r.RegisterReqFunc(3, fn), "registration after endpoint exists")
}

func TestRegisterHookDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	h := &Hook{EndpointID: 7, SmRxMailbox: &sm.Mailbox{}}
	require.NoError(t, r.RegisterHook(h))
	assert.Error(t, r.RegisterHook(&Hook{EndpointID: 7, SmRxMailbox: &sm.Mailbox{}}))

	r.UnregisterHook(h)
	assert.NoError(t, r.RegisterHook(&Hook{EndpointID: 7, SmRxMailbox: &sm.Mailbox{}}))
}

func TestSmDeliveryBetweenRegistries(t *testing.T) {
	ra := newTestRegistry(t)
	rb := newTestRegistry(t)

	mb := &sm.Mailbox{}
	require.NoError(t, rb.RegisterHook(&Hook{EndpointID: 3, SmRxMailbox: mb}))

	req := &sm.Pkt{
		Type:   sm.PktTypeConnectReq,
		Client: sm.SessionEndpoint{Hostname: ra.Hostname(), EndpointID: 1},
		Server: sm.SessionEndpoint{Hostname: rb.Hostname(), EndpointID: 3},
	}
	require.NoError(t, ra.SendSmPkt(req))

	got := waitMailbox(t, mb)
	assert.Equal(t, sm.PktTypeConnectReq, got.Type)
	assert.Equal(t, ra.ID(), got.RegistryID)
}

func TestSmUnknownEndpointGetsErrorReply(t *testing.T) {
	ra := newTestRegistry(t)
	rb := newTestRegistry(t)

	clientMb := &sm.Mailbox{}
	require.NoError(t, ra.RegisterHook(&Hook{EndpointID: 1, SmRxMailbox: clientMb}))

	req := &sm.Pkt{
		Type:   sm.PktTypeConnectReq,
		Client: sm.SessionEndpoint{Hostname: ra.Hostname(), EndpointID: 1},
		Server: sm.SessionEndpoint{Hostname: rb.Hostname(), EndpointID: 99},
	}
	require.NoError(t, ra.SendSmPkt(req))

	got := waitMailbox(t, clientMb)
	assert.Equal(t, sm.PktTypeConnectResp, got.Type)
	assert.Equal(t, sm.ErrInvalidRemoteEndpoint, got.Err)
}

func TestSmForeignHostnameRejected(t *testing.T) {
	ra := newTestRegistry(t)
	rb := newTestRegistry(t)

	clientMb := &sm.Mailbox{}
	require.NoError(t, ra.RegisterHook(&Hook{EndpointID: 1, SmRxMailbox: clientMb}))

	serverMb := &sm.Mailbox{}
	require.NoError(t, rb.RegisterHook(&Hook{EndpointID: 3, SmRxMailbox: serverMb}))

	// server hostname names a process that is not rb; rb must reject
	// rather than deliver to its endpoint 3. Send the datagram straight
	// at rb's socket to simulate the misrouting.
	req := &sm.Pkt{
		Type:   sm.PktTypeConnectReq,
		Client: sm.SessionEndpoint{Hostname: ra.Hostname(), EndpointID: 1},
		Server: sm.SessionEndpoint{Hostname: "10.0.0.1:1", EndpointID: 3},
	}
	raw, err := req.Marshal()
	require.NoError(t, err)
	conn, err := net.Dial("udp", rb.Hostname())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(raw)
	require.NoError(t, err)

	got := waitMailbox(t, clientMb)
	assert.Equal(t, sm.PktTypeConnectResp, got.Type)
	assert.Equal(t, sm.ErrInvalidRemoteEndpoint, got.Err)
	assert.Equal(t, 0, serverMb.Len())
}
