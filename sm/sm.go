// Package sm defines the session-management messages exchanged between
// registries on behalf of their endpoints, and the mailbox through
// which a registry hands them to an endpoint's event loop.
//
// The messages are transport-agnostic structs; the registry moves them
// over UDP as JSON. The datapath never sees them.
package sm

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fabrpc/frpc/transport"
)

// SecretBits is the width of the shared session secret. Every
// management reply must echo the secret or it is dropped.
const SecretBits = 48

// MaxHostnameLen bounds the registry hostname ("host:port") carried in
// endpoint descriptors.
const MaxHostnameLen = 128

// PktType enumerates session-management packet types.
type PktType int

const (
	PktTypeConnectReq PktType = iota + 1
	PktTypeConnectResp
	PktTypeDisconnectReq
	PktTypeDisconnectResp
	// PktTypeFaultDropTxRemote asks the receiving endpoint to start
	// dropping its datapath TX. Used by fault-injection tests.
	PktTypeFaultDropTxRemote
)

func (t PktType) String() string {
	switch t {
	case PktTypeConnectReq:
		return "connect request"
	case PktTypeConnectResp:
		return "connect response"
	case PktTypeDisconnectReq:
		return "disconnect request"
	case PktTypeDisconnectResp:
		return "disconnect response"
	case PktTypeFaultDropTxRemote:
		return "fault: drop remote TX"
	default:
		return fmt.Sprintf("PktType(%d)", int(t))
	}
}

// IsValid reports whether t is a known packet type.
func (t PktType) IsValid() bool {
	return t >= PktTypeConnectReq && t <= PktTypeFaultDropTxRemote
}

// IsReq reports whether t is a request (sent client to server).
func (t PktType) IsReq() bool {
	switch t {
	case PktTypeConnectReq, PktTypeDisconnectReq, PktTypeFaultDropTxRemote:
		return true
	}
	return false
}

// ReqToResp converts a request type to its response type.
func (t PktType) ReqToResp() PktType {
	switch t {
	case PktTypeConnectReq:
		return PktTypeConnectResp
	case PktTypeDisconnectReq:
		return PktTypeDisconnectResp
	}
	panic(fmt.Sprintf("sm: %v has no response type", t))
}

// ErrType is the error kind carried by management responses.
type ErrType int

const (
	ErrNoError ErrType = iota
	ErrTooManySessions
	ErrOutOfMemory
	ErrRoutingResolutionFailure
	ErrInvalidRemoteEndpoint
	ErrInvalidRemotePort
	ErrInvalidTransport
)

func (e ErrType) String() string {
	switch e {
	case ErrNoError:
		return "no error"
	case ErrTooManySessions:
		return "too many sessions"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrRoutingResolutionFailure:
		return "routing resolution failure"
	case ErrInvalidRemoteEndpoint:
		return "invalid remote endpoint"
	case ErrInvalidRemotePort:
		return "invalid remote port"
	case ErrInvalidTransport:
		return "invalid transport"
	default:
		return fmt.Sprintf("ErrType(%d)", int(e))
	}
}

// Err returns nil for ErrNoError and a descriptive error otherwise.
func (e ErrType) Err() error {
	if e == ErrNoError {
		return nil
	}
	return errors.Errorf("session management: %s", e)
}

// SessionEndpoint describes one side of a session. Both descriptors
// travel in every management packet.
type SessionEndpoint struct {
	TransportType transport.Type        `json:"transport_type"`
	Hostname      string                `json:"hostname"` // peer registry address, "host:port"
	PhyPort       uint8                 `json:"phy_port"`
	EndpointID    uint8                 `json:"endpoint_id"`
	SessionNum    uint16                `json:"session_num"`
	Secret        uint64                `json:"secret"`
	RoutingInfo   transport.RoutingInfo `json:"routing_info"`
}

// Name identifies the endpoint in log lines.
func (e *SessionEndpoint) Name() string {
	return fmt.Sprintf("%s/%d", e.Hostname, e.EndpointID)
}

// Pkt is one session-management message.
type Pkt struct {
	Type       PktType         `json:"type"`
	Err        ErrType         `json:"err"`
	RegistryID uuid.UUID       `json:"registry_id"` // instance id of the sending registry
	Client     SessionEndpoint `json:"client"`
	Server     SessionEndpoint `json:"server"`
}

// Marshal encodes p for the registry's UDP transport.
func (p *Pkt) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	return b, errors.Wrap(err, "sm: marshal packet")
}

// UnmarshalPkt decodes a packet received from the UDP transport.
func UnmarshalPkt(b []byte) (*Pkt, error) {
	var p Pkt
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "sm: unmarshal packet")
	}
	if !p.Type.IsValid() {
		return nil, errors.Errorf("sm: invalid packet type %d", int(p.Type))
	}
	return &p, nil
}
