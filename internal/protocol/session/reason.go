package session

import (
	"errors"
	"fmt"
)

var (
	ErrPeerBye           = errors.New("session: peer said bye")
	ErrHandshakeTimeout  = errors.New("session: handshake timeout")
	ErrLivenessTimeout   = errors.New("session: liveness timeout")
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrLocalShutdown     = errors.New("session: local shutdown")
	ErrTransport         = errors.New("session: transport error")
	ErrNegotiation       = errors.New("session: negotiation failure")
)

// Bye reasons sent on the wire by this implementation.
const (
	ByeLivenessTimeout   = "liveness timeout"
	ByeHandshakeTimeout  = "handshake timeout"
	ByeUnexpectedActive  = "unexpected message in active session"
	ByeUnexpectedMessage = "unexpected message during handshake"
	ByeMediaEngine       = "media engine failure"
	ByeShutdown          = "shutdown"
)

// Reason classifies why a session reached Closed.
type Reason int

const (
	ReasonPeerBye Reason = iota + 1
	ReasonHandshakeTimeout
	ReasonLivenessTimeout
	ReasonProtocolViolation
	ReasonLocalShutdown
	ReasonTransportError
	ReasonNegotiationFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerBye:
		return "peer_bye"
	case ReasonHandshakeTimeout:
		return "handshake_timeout"
	case ReasonLivenessTimeout:
		return "liveness_timeout"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonLocalShutdown:
		return "local_shutdown"
	case ReasonTransportError:
		return "transport_error"
	case ReasonNegotiationFailure:
		return "negotiation_failure"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Err returns the sentinel matching r.
func (r Reason) Err() error {
	switch r {
	case ReasonPeerBye:
		return ErrPeerBye
	case ReasonHandshakeTimeout:
		return ErrHandshakeTimeout
	case ReasonLivenessTimeout:
		return ErrLivenessTimeout
	case ReasonProtocolViolation:
		return ErrProtocolViolation
	case ReasonLocalShutdown:
		return ErrLocalShutdown
	case ReasonTransportError:
		return ErrTransport
	case ReasonNegotiationFailure:
		return ErrNegotiation
	default:
		return fmt.Errorf("session: unknown reason %d", int(r))
	}
}

// Event is emitted by a Machine: at most one Established, then exactly one Ended.
type Event interface {
	isEvent()
}

// Established is emitted when the session enters Active.
type Established struct {
	SessionID string
	Codec     string
	Role      Role
	// MediaPort is the port to bind (responder) or target (initiator).
	MediaPort uint16
	// Peer is the Hello the initiator sent.
	Peer PeerHello
}

// PeerHello is the capability snapshot taken from Hello.
type PeerHello struct {
	Version         string
	SupportedCodecs []string
	MaxPacketSize   uint32
	HasToken        bool
}

// Ended is emitted when the session enters Closed.
type Ended struct {
	Reason Reason
	// Detail is the human-readable cause, e.g. the peer's Bye reason.
	Detail string
	// Err wraps the Reason sentinel and any underlying cause.
	Err error
	// WasActive is true when Established was emitted first.
	WasActive bool
	SessionID string
	Codec     string
}

func (Established) isEvent() {}
func (Ended) isEvent()       {}

func (e Ended) String() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func newEnded(reason Reason, detail string, cause error) Ended {
	err := reason.Err()
	switch {
	case cause != nil:
		err = fmt.Errorf("%w: %w", err, cause)
	case detail != "":
		err = fmt.Errorf("%w: %s", err, detail)
	}
	return Ended{Reason: reason, Detail: detail, Err: err}
}
