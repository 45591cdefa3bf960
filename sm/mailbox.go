package sm

import "sync"

// Mailbox is the single-producer/single-consumer list through which a
// registry's SM thread hands packets to an endpoint's event loop. The
// producer is the registry, the consumer is the endpoint's creator
// thread; both sides only hold the lock for list manipulation.
type Mailbox struct {
	mu   sync.Mutex
	pkts []*Pkt
}

// Push appends p. Called by the registry's SM thread.
func (m *Mailbox) Push(p *Pkt) {
	m.mu.Lock()
	m.pkts = append(m.pkts, p)
	m.mu.Unlock()
}

// Len returns the number of queued packets. The event loop uses it as
// a cheap emptiness probe before draining.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pkts)
}

// Drain removes and returns all queued packets in arrival order.
func (m *Mailbox) Drain() []*Pkt {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkts := m.pkts
	m.pkts = nil
	return pkts
}
