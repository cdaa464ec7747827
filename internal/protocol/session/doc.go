// Package session owns the provider<->sink control session state machine.
//
// Ownership boundary:
// - Hello/Welcome handshake and codec negotiation
// - Ping/Pong liveness with bounded timeouts
// - Bye-driven and timeout-driven termination with typed reasons
// - session id allocation and connect backoff primitives
//
// One Machine drives one session over one Transport. All state transitions
// happen on the goroutine running Machine.Run; a separate reader goroutine
// only forwards decoded messages to it.
package session
