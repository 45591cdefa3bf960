package loopback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/frpc/transport"
)

var testParams = transport.Params{
	MaxDataPerPkt:  1024,
	RecvQueueDepth: 4,
	Postlist:       2,
}

func pair(t *testing.T) (*Port, *Port, transport.Dest) {
	f := NewFabric()
	a := f.NewPort(testParams)
	b := f.NewPort(testParams)
	dest, err := a.Resolve(b.LocalRoutingInfo())
	require.NoError(t, err)
	return a, b, dest
}

func TestResolveUnknownPortFails(t *testing.T) {
	f := NewFabric()
	a := f.NewPort(testParams)
	_, err := a.Resolve(transport.RoutingInfo("loop:99"))
	assert.Error(t, err)
	_, err = a.Resolve(transport.RoutingInfo("garbage"))
	assert.Error(t, err)
}

func TestDeliveryAndRingOwnership(t *testing.T) {
	a, b, dest := pair(t)

	hdr := make([]byte, 16)
	hdr[0] = 0x42
	n := a.TxBurst([]transport.TxItem{{Dest: dest, Hdr: hdr, Data: []byte("hi")}})
	assert.Equal(t, 1, n)

	pkts := b.RxBurst()
	require.Len(t, pkts, 1)
	assert.Equal(t, byte(0x42), pkts[0][0])
	assert.Equal(t, "hi", string(pkts[0][16:18]))

	// slot is owned by the engine until reposted
	b.PostRecvs(1)
	assert.Panics(t, func() { b.PostRecvs(1) })
}

func TestRxBurstBoundedByPostlist(t *testing.T) {
	a, b, dest := pair(t)

	hdr := make([]byte, 16)
	for i := 0; i < 3; i++ {
		a.TxBurst([]transport.TxItem{{Dest: dest, Hdr: hdr}})
	}
	assert.Len(t, b.RxBurst(), 2)
	assert.Len(t, b.RxBurst(), 1)
	b.PostRecvs(3)
}

func TestRingFullDrops(t *testing.T) {
	a, b, dest := pair(t)

	hdr := make([]byte, 16)
	for i := 0; i < testParams.RecvQueueDepth+2; i++ {
		a.TxBurst([]transport.TxItem{{Dest: dest, Hdr: hdr}})
	}
	assert.Equal(t, 2, b.RingFullDrops())

	// draining and reposting makes room again
	got := 0
	for {
		pkts := b.RxBurst()
		if len(pkts) == 0 {
			break
		}
		got += len(pkts)
		b.PostRecvs(len(pkts))
	}
	assert.Equal(t, testParams.RecvQueueDepth, got)

	a.TxBurst([]transport.TxItem{{Dest: dest, Hdr: hdr}})
	assert.Equal(t, 2, b.RingFullDrops())
}
