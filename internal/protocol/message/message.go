// Package message owns the control-plane message set and its wire codec.
//
// Ownership boundary:
// - the closed Hello/Welcome/Ping/Pong/Bye variant set
// - JSON envelope encode/decode with a string discriminator
// - decode error taxonomy (malformed vs unknown variant)
package message

const (
	// ProtocolVersion is advertised in Hello. Peers are compatible when
	// the major component matches.
	ProtocolVersion = "1.0"

	DefaultMediaPort   uint16 = 5510
	DefaultControlPort uint16 = 5511
)

// Type is the wire discriminator of a control message.
type Type string

const (
	TypeHello   Type = "HELLO"
	TypeWelcome Type = "WELCOME"
	TypePing    Type = "PING"
	TypePong    Type = "PONG"
	TypeBye     Type = "BYE"
)

// Message is one control-plane message. The set of implementations is
// closed to this package; Unrecognized stands in for variants a newer
// peer may send.
type Message interface {
	Type() Type
	isMessage()
}

// Hello opens a session and advertises initiator capabilities.
type Hello struct {
	Version         string   `json:"version"`
	SupportedCodecs []string `json:"supported_codecs"`
	MaxPacketSize   uint32   `json:"max_packet_size"`
	Token           *string  `json:"token"`
}

// Welcome accepts a session and fixes the negotiated parameters.
type Welcome struct {
	SessionID string `json:"session_id"`
	Codec     string `json:"codec"`
	Port      uint16 `json:"port"`
}

type Ping struct {
	Timestamp uint64 `json:"timestamp"`
}

type Pong struct {
	Timestamp uint64 `json:"timestamp"`
}

type Bye struct {
	Reason string `json:"reason"`
}

// Unrecognized is a well-formed envelope whose discriminator is not known
// to this build.
type Unrecognized struct {
	Kind string
}

func (Hello) Type() Type   { return TypeHello }
func (Welcome) Type() Type { return TypeWelcome }
func (Ping) Type() Type    { return TypePing }
func (Pong) Type() Type    { return TypePong }
func (Bye) Type() Type     { return TypeBye }

func (u Unrecognized) Type() Type { return Type(u.Kind) }

func (Hello) isMessage()        {}
func (Welcome) isMessage()      {}
func (Ping) isMessage()         {}
func (Pong) isMessage()         {}
func (Bye) isMessage()          {}
func (Unrecognized) isMessage() {}

// TokenValue returns the bearer token or "" when absent.
func (h Hello) TokenValue() string {
	if h.Token == nil {
		return ""
	}
	return *h.Token
}

// WithToken returns a copy of h carrying token. An empty token clears it.
func (h Hello) WithToken(token string) Hello {
	if token == "" {
		h.Token = nil
		return h
	}
	h.Token = &token
	return h
}
