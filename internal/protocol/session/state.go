package session

import "fmt"

// State is the session lifecycle phase.
type State int

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateAwaitingWelcome
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAwaitingWelcome:
		return "awaiting_welcome"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed }

// preActive covers the handshake phases.
func (s State) preActive() bool {
	return s == StateConnecting || s == StateAwaitingHello || s == StateAwaitingWelcome
}

// Role is which side of the handshake a machine plays.
type Role int

const (
	// RoleInitiator sends Hello; the provider dials out in this role.
	RoleInitiator Role = iota
	// RoleResponder answers Hello with Welcome or Bye; the sink accepts in this role.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
