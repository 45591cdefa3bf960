package sm

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/frpc/transport"
)

func TestPktTypes(t *testing.T) {
	assert.True(t, PktTypeConnectReq.IsReq())
	assert.True(t, PktTypeDisconnectReq.IsReq())
	assert.True(t, PktTypeFaultDropTxRemote.IsReq())
	assert.False(t, PktTypeConnectResp.IsReq())
	assert.False(t, PktTypeDisconnectResp.IsReq())

	assert.Equal(t, PktTypeConnectResp, PktTypeConnectReq.ReqToResp())
	assert.Equal(t, PktTypeDisconnectResp, PktTypeDisconnectReq.ReqToResp())
	assert.Panics(t, func() { PktTypeConnectResp.ReqToResp() })
	assert.Panics(t, func() { PktTypeFaultDropTxRemote.ReqToResp() })
}

func TestPktRoundtripEchoesSecret(t *testing.T) {
	in := &Pkt{
		Type:       PktTypeConnectReq,
		RegistryID: uuid.New(),
		Client: SessionEndpoint{
			TransportType: transport.TypeLoopback,
			Hostname:      "127.0.0.1:31850",
			EndpointID:    2,
			SessionNum:    7,
			Secret:        1<<SecretBits - 1,
			RoutingInfo:   transport.RoutingInfo("loop:0"),
		},
		Server: SessionEndpoint{Hostname: "127.0.0.1:31851", EndpointID: 3},
	}
	b, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalPkt(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, uint64(1<<SecretBits-1), out.Client.Secret)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalPkt([]byte("{not json"))
	assert.Error(t, err)
	_, err = UnmarshalPkt([]byte(`{"type": 99}`))
	assert.Error(t, err)
}

func TestErrType(t *testing.T) {
	assert.NoError(t, ErrNoError.Err())
	assert.Error(t, ErrTooManySessions.Err())
}

func TestMailbox(t *testing.T) {
	var m Mailbox
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Drain())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.Push(&Pkt{Type: PktTypeConnectReq})
		}
	}()
	wg.Wait()

	assert.Equal(t, 100, m.Len())
	pkts := m.Drain()
	assert.Len(t, pkts, 100)
	assert.Equal(t, 0, m.Len())
}
