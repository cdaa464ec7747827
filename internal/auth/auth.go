// Package auth validates the opaque bearer token carried in Hello.
//
// No scheme is implied: a sink picks a Validator at startup and the
// session machine calls it once per handshake.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: token required")
)

// Validator validates a Hello token. An absent token arrives as "".
type Validator interface {
	Validate(token string) error
}

// Tokens accepts any of a fixed set of shared tokens.
type Tokens struct {
	accepted [][]byte
}

// NewTokens builds a Tokens validator. Blank entries are ignored; with no
// usable entries every token is rejected.
func NewTokens(tokens ...string) Tokens {
	out := Tokens{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out.accepted = append(out.accepted, []byte(t))
		}
	}
	return out
}

func (s Tokens) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	ok := 0
	for _, want := range s.accepted {
		ok |= subtle.ConstantTimeCompare(want, []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// AllowAll accepts every token, including none.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// FromConfig returns Tokens when any token is configured and AllowAll
// otherwise.
func FromConfig(tokens []string) Validator {
	v := NewTokens(tokens...)
	if len(v.accepted) == 0 {
		return AllowAll{}
	}
	return v
}
