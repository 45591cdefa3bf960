// Package transport declares the unreliable datagram transport the RPC
// engine drives. Implementations wrap a lossless fabric (RDMA UD or
// similar); package loopback provides an in-memory implementation for
// tests and benchmarks.
//
// The engine assumes the fabric is lossless: a transport may drop a
// packet only when its receive ring is exhausted, which the engine
// treats as a configuration error, not a condition to recover from.
package transport

// Type identifies a fabric transport kind. It is carried in session
// endpoint descriptors so that peers refuse to connect across
// incompatible fabrics.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeLoopback
)

func (t Type) String() string {
	switch t {
	case TypeLoopback:
		return "loopback"
	default:
		return "invalid"
	}
}

// RoutingInfo is the opaque addressing blob a peer needs to reach a
// port. It is exchanged during the session handshake and only ever
// interpreted by the transport that produced it.
type RoutingInfo []byte

// Dest is a transport-resolved routing handle, produced by Resolve and
// consumed by TxBurst. Opaque to the engine.
type Dest interface{}

// Params are the per-transport constants the engine sizes its state by.
type Params struct {
	// MaxDataPerPkt is the payload capacity of one packet, excluding
	// the 16-byte header.
	MaxDataPerPkt int
	// RecvQueueDepth is the number of receive-ring slots.
	RecvQueueDepth int
	// Postlist is the transmit batch capacity of TxBurst.
	Postlist int
}

// TxItem is one packet in a transmit batch. Hdr and Data are posted
// back to back; the transport may gather them without copying.
type TxItem struct {
	Dest Dest
	Hdr  []byte
	Data []byte
}

// Transport is the datapath interface the engine consumes. All calls
// are non-blocking and are made only from the engine's creator thread.
type Transport interface {
	Type() Type
	Params() Params

	// LocalRoutingInfo returns the blob a peer passes to its own
	// transport's Resolve to reach this port.
	LocalRoutingInfo() RoutingInfo

	// Resolve turns a peer's routing info into a transmit destination.
	// It fails if the peer is unreachable on this fabric.
	Resolve(ri RoutingInfo) (Dest, error)

	// TxBurst posts the items and returns the number accepted.
	TxBurst(items []TxItem) int

	// RxBurst returns zero or more newly received packets. The
	// returned slices alias receive-ring slots and stay valid until
	// the same number of slots is returned via PostRecvs.
	RxBurst() [][]byte

	// PostRecvs returns the n oldest RxBurst slots to the ring.
	PostRecvs(n int)
}
