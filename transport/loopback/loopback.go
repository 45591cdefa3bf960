// Package loopback implements an in-memory fabric. Ports created on
// the same Fabric can reach each other; delivery is a synchronous copy
// into the destination port's receive ring.
//
// The ring models NIC ownership faithfully: a slot handed out by
// RxBurst is not reused for new packets until PostRecvs returns it.
// A full ring drops the packet and counts it, which is how a real
// lossless fabric misbehaves when the receiver is misconfigured.
package loopback

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/fabrpc/frpc/transport"
	"github.com/fabrpc/frpc/wire"
)

// Fabric connects loopback ports. The zero value is not usable; call
// NewFabric.
type Fabric struct {
	mu     sync.Mutex
	ports  map[uint16]*Port
	nextID uint16
}

func NewFabric() *Fabric {
	return &Fabric{ports: make(map[uint16]*Port)}
}

// NewPort creates a port on f with the given constants.
func (f *Fabric) NewPort(params transport.Params) *Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Port{
		fabric: f,
		id:     f.nextID,
		params: params,
	}
	f.nextID++

	slotSize := wire.HdrSize + params.MaxDataPerPkt
	p.freeSlots = make([][]byte, params.RecvQueueDepth)
	for i := range p.freeSlots {
		p.freeSlots[i] = make([]byte, slotSize)
	}

	f.ports[p.id] = p
	return p
}

// Port is one loopback endpoint attachment.
type Port struct {
	fabric *Fabric
	id     uint16
	params transport.Params

	mu sync.Mutex
	// slots the NIC may fill
	freeSlots [][]byte
	// filled slots not yet returned by RxBurst
	rxq [][]byte
	// slots returned by RxBurst, awaiting PostRecvs, oldest first
	inflight [][]byte

	ringFullDrops int
}

var _ transport.Transport = (*Port)(nil)

func (p *Port) Type() transport.Type     { return transport.TypeLoopback }
func (p *Port) Params() transport.Params { return p.params }

func (p *Port) LocalRoutingInfo() transport.RoutingInfo {
	return transport.RoutingInfo(fmt.Sprintf("loop:%d", p.id))
}

func (p *Port) Resolve(ri transport.RoutingInfo) (transport.Dest, error) {
	var id uint16
	if _, err := fmt.Sscanf(string(ri), "loop:%d", &id); err != nil {
		return nil, errors.Wrapf(err, "loopback: malformed routing info %q", string(ri))
	}
	p.fabric.mu.Lock()
	dest, ok := p.fabric.ports[id]
	p.fabric.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("loopback: no port %d on this fabric", id)
	}
	return dest, nil
}

func (p *Port) TxBurst(items []transport.TxItem) int {
	for i := range items {
		dest, ok := items[i].Dest.(*Port)
		if !ok {
			panic("loopback: TxItem destination is not a loopback port")
		}
		dest.deliver(items[i].Hdr, items[i].Data)
	}
	return len(items)
}

func (p *Port) deliver(hdr, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeSlots) == 0 {
		p.ringFullDrops++
		return
	}
	slot := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]

	n := copy(slot, hdr)
	n += copy(slot[n:], data)
	p.rxq = append(p.rxq, slot[:n])
}

func (p *Port) RxBurst() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.rxq)
	if n > p.params.Postlist {
		n = p.params.Postlist
	}
	if n == 0 {
		return nil
	}
	burst := p.rxq[:n:n]
	p.rxq = p.rxq[n:]
	p.inflight = append(p.inflight, burst...)
	return burst
}

func (p *Port) PostRecvs(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.inflight) {
		panic(fmt.Sprintf("loopback: posting %d recvs but only %d slots in flight", n, len(p.inflight)))
	}
	for i := 0; i < n; i++ {
		slot := p.inflight[i]
		p.freeSlots = append(p.freeSlots, slot[:cap(slot)])
	}
	p.inflight = p.inflight[n:]
}

// RingFullDrops returns the number of packets dropped because the
// receive ring was exhausted.
func (p *Port) RingFullDrops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ringFullDrops
}
