// Package registry implements the per-process coordinator. A Registry
// owns the process hostname (its UDP bind address), the UDP transport
// that carries session-management packets between processes, the
// request-handler table shared by all endpoints, and the mailbox hook
// of every endpoint attached to it.
package registry

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fabrpc/frpc/logger"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/sm"
)

// maxSmPktSize bounds a serialized SM packet on the UDP socket.
const maxSmPktSize = 8192

// Hook connects one endpoint to the registry. The registry pushes
// received SM packets into SmRxMailbox; the endpoint's event loop
// drains it.
type Hook struct {
	EndpointID  uint8
	SmRxMailbox *sm.Mailbox
}

// Registry is created once per process, before any endpoint.
type Registry struct {
	hostname     string // resolved bind address, "host:port"
	id           uuid.UUID
	conn         *net.UDPConn
	numBgWorkers int
	log          logger.Logger

	mu     sync.Mutex
	hooks  map[uint8]*Hook
	sealed bool // no more handler registrations once an endpoint exists

	reqFuncs [ops.MaxReqTypes]ops.ReqFunc

	wg sync.WaitGroup
}

// New binds the SM UDP socket at bindAddr (e.g. "127.0.0.1:31850";
// port 0 picks an ephemeral port) and starts the SM receive loop.
// numBgWorkers > 0 makes endpoints created on this registry
// multi-threaded.
func New(bindAddr string, numBgWorkers int, log logger.Logger) (*Registry, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: resolve bind address %q", bindAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: bind SM socket %q", bindAddr)
	}
	r := &Registry{
		hostname:     conn.LocalAddr().String(),
		id:           uuid.New(),
		conn:         conn,
		numBgWorkers: numBgWorkers,
		log:          log.WithField("subsystem", "registry"),
		hooks:        make(map[uint8]*Hook),
	}
	r.wg.Add(1)
	go r.smLoop()
	r.log.WithField("hostname", r.hostname).WithField("id", r.id.String()).Info("registry up")
	return r, nil
}

// Hostname returns the resolved SM bind address. It is the name other
// processes use in CreateSession.
func (r *Registry) Hostname() string { return r.hostname }

// ID returns the registry instance id stamped into outgoing SM packets.
func (r *Registry) ID() uuid.UUID { return r.id }

// NumBgWorkers returns the background worker count endpoints start.
func (r *Registry) NumBgWorkers() int { return r.numBgWorkers }

// RegisterReqFunc installs the handler for reqType. All handlers must
// be registered before the first endpoint is created.
func (r *Registry) RegisterReqFunc(reqType uint8, fn ops.ReqFunc) error {
	if !fn.IsRegistered() {
		return errors.New("registry: nil request handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.New("registry: cannot register handlers after an endpoint exists")
	}
	if r.reqFuncs[reqType].IsRegistered() {
		return errors.Errorf("registry: request type %d already registered", reqType)
	}
	r.reqFuncs[reqType] = fn
	return nil
}

// ReqFuncs returns the handler table. Endpoints copy it at
// construction.
func (r *Registry) ReqFuncs() [ops.MaxReqTypes]ops.ReqFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqFuncs
}

// RegisterHook attaches an endpoint. A duplicate endpoint id is a
// construction-time failure for the endpoint.
func (r *Registry) RegisterHook(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[h.EndpointID]; ok {
		return errors.Errorf("registry: endpoint id %d already registered", h.EndpointID)
	}
	r.hooks[h.EndpointID] = h
	r.sealed = true
	return nil
}

// UnregisterHook detaches an endpoint.
func (r *Registry) UnregisterHook(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, h.EndpointID)
}

// SendSmPkt stamps the registry id into p and sends it to the peer
// registry responsible for it: the server side for requests, the
// client side for responses.
func (r *Registry) SendSmPkt(p *sm.Pkt) error {
	p.RegistryID = r.id

	destHost := p.Client.Hostname
	if p.Type.IsReq() {
		destHost = p.Server.Hostname
	}
	raddr, err := net.ResolveUDPAddr("udp", destHost)
	if err != nil {
		return errors.Wrapf(err, "registry: resolve SM destination %q", destHost)
	}
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	if _, err := r.conn.WriteToUDP(b, raddr); err != nil {
		return errors.Wrap(err, "registry: send SM packet")
	}
	r.log.WithField("type", p.Type.String()).WithField("dest", destHost).Debug("sent SM packet")
	return nil
}

// smLoop is the registry's SM thread. It validates and routes received
// packets into endpoint mailboxes.
func (r *Registry) smLoop() {
	defer r.wg.Done()
	buf := make([]byte, maxSmPktSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// socket closed in Close
			return
		}
		pkt, err := sm.UnmarshalPkt(buf[:n])
		if err != nil {
			r.log.WithError(err).Warn("dropping malformed SM packet")
			continue
		}
		r.route(pkt)
	}
}

func (r *Registry) route(pkt *sm.Pkt) {
	destEndpoint := pkt.Client
	if pkt.Type.IsReq() {
		destEndpoint = pkt.Server
	}

	// A request addressed to a hostname that is not us reached the
	// wrong process entirely; reject it so the sender fails fast
	// instead of retrying until its cap.
	if pkt.Type.IsReq() && destEndpoint.Hostname != r.hostname {
		r.log.WithField("dest", destEndpoint.Name()).Warn("SM request for foreign hostname")
		r.rejectReq(pkt)
		return
	}

	r.mu.Lock()
	hook, ok := r.hooks[destEndpoint.EndpointID]
	r.mu.Unlock()
	if !ok {
		r.log.WithField("dest", destEndpoint.Name()).Warn("SM packet for unknown endpoint")
		if pkt.Type.IsReq() {
			r.rejectReq(pkt)
		}
		return
	}
	hook.SmRxMailbox.Push(pkt)
}

// rejectReq replies to a misaddressed request with an error response.
// Fault-injection messages have no response type and are just dropped.
func (r *Registry) rejectReq(req *sm.Pkt) {
	if req.Type == sm.PktTypeFaultDropTxRemote {
		return
	}
	resp := *req
	resp.Type = req.Type.ReqToResp()
	resp.Err = sm.ErrInvalidRemoteEndpoint
	if err := r.SendSmPkt(&resp); err != nil {
		r.log.WithError(err).Warn("failed to send SM error reply")
	}
}

// Close shuts down the SM socket and waits for the SM thread.
func (r *Registry) Close() error {
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
