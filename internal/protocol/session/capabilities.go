package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/ndp/internal/protocol/message"
)

var (
	ErrNoCommonCodec      = errors.New("session: no common codec")
	ErrVersionUnsupported = errors.New("session: unsupported protocol version")
	ErrPacketSizeTooSmall = errors.New("session: max packet size too small")
)

// Capabilities is what one side brings to a handshake.
type Capabilities struct {
	// Version defaults to message.ProtocolVersion.
	Version string
	// Codecs in preference order.
	Codecs []string
	// Token is sent in Hello when non-empty (initiator only).
	Token string
	// MediaPort is advertised in Welcome (responder only).
	MediaPort uint16
}

func (c Capabilities) withDefaults() Capabilities {
	if strings.TrimSpace(c.Version) == "" {
		c.Version = message.ProtocolVersion
	}
	if c.MediaPort == 0 {
		c.MediaPort = message.DefaultMediaPort
	}
	return c
}

// NormalizeCodecs trims, lowercases and de-duplicates a codec list while
// keeping its order.
func NormalizeCodecs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		v := strings.ToLower(strings.TrimSpace(c))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Negotiate picks the first entry of offered that local also supports.
// The offered spelling is returned so the choice is always an element of
// the peer's list.
func Negotiate(offered, local []string) (string, error) {
	supported := make(map[string]struct{}, len(local))
	for _, c := range local {
		supported[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	for _, c := range offered {
		if _, ok := supported[strings.ToLower(strings.TrimSpace(c))]; ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: offered=%v supported=%v", ErrNoCommonCodec, offered, local)
}

// CompatibleVersion reports whether two protocol versions share a major
// component.
func CompatibleVersion(local, remote string) error {
	if majorOf(local) == "" || majorOf(local) != majorOf(remote) {
		return fmt.Errorf("%w: local=%q remote=%q", ErrVersionUnsupported, local, remote)
	}
	return nil
}

func majorOf(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	return major
}

func offered(codecs []string, codec string) bool {
	for _, c := range codecs {
		if c == codec {
			return true
		}
	}
	return false
}
