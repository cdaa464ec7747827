package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrMalformed      = errors.New("message: malformed")
	ErrUnknownVariant = errors.New("message: unknown variant")
	ErrNilMessage     = errors.New("message: nil message")
	ErrInvalidUTF8    = errors.New("message: string is not valid UTF-8")
)

// payloadFields lists the payload keys of each variant. Required keys must
// be present and non-null; keys match exactly.
var payloadFields = map[Type]struct {
	required []string
	optional []string
}{
	TypeHello:   {required: []string{"version", "supported_codecs", "max_packet_size"}, optional: []string{"token"}},
	TypeWelcome: {required: []string{"session_id", "codec", "port"}},
	TypePing:    {required: []string{"timestamp"}},
	TypePong:    {required: []string{"timestamp"}},
	TypeBye:     {required: []string{"reason"}},
}

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders m as a {"type":...,"payload":{...}} envelope.
func Encode(m Message) ([]byte, error) {
	var payload any
	var text []string
	switch v := m.(type) {
	case Hello:
		if v.SupportedCodecs == nil {
			v.SupportedCodecs = []string{}
		}
		text = append([]string{v.Version, v.TokenValue()}, v.SupportedCodecs...)
		payload = v
	case Welcome:
		text = []string{v.SessionID, v.Codec}
		payload = v
	case Ping:
		payload = v
	case Pong:
		payload = v
	case Bye:
		text = []string{v.Reason}
		payload = v
	case Unrecognized:
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnknownVariant, v.Kind)
	case nil:
		return nil, ErrNilMessage
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, m)
	}
	for _, str := range text {
		if !utf8.ValidString(str) {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidUTF8, m.Type(), str)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type(), Payload: raw})
}

// Decode parses one encoded message.
//
// An envelope with an unknown discriminator yields an Unrecognized value
// together with an error wrapping ErrUnknownVariant, so callers can report
// it and keep reading.
func Decode(b []byte) (Message, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var env envelope
	if raw, ok := top["type"]; ok {
		if err := json.Unmarshal(raw, &env.Type); err != nil {
			return nil, fmt.Errorf("%w: type: %v", ErrMalformed, err)
		}
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	env.Payload = top["payload"]

	switch env.Type {
	case TypeHello:
		var v Hello
		if err := decodePayload(env, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeWelcome:
		var v Welcome
		if err := decodePayload(env, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypePing:
		var v Ping
		if err := decodePayload(env, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypePong:
		var v Pong
		if err := decodePayload(env, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeBye:
		var v Bye
		if err := decodePayload(env, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return Unrecognized{Kind: string(env.Type)}, fmt.Errorf("%w: %q", ErrUnknownVariant, env.Type)
	}
}

// IsDecodeError reports whether err came from Decode rather than the
// transport underneath it.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownVariant)
}

func decodePayload(env envelope, out any) error {
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: %s payload is not an object", ErrMalformed, env.Type)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	fields := payloadFields[env.Type]
	known := make(map[string]json.RawMessage, len(fields.required)+len(fields.optional))
	for _, key := range fields.required {
		v, ok := obj[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("%w: %s payload: missing %s", ErrMalformed, env.Type, key)
		}
		known[key] = v
	}
	for _, key := range fields.optional {
		if v, ok := obj[key]; ok {
			known[key] = v
		}
	}
	// Re-encode only the exact keys so case-folded duplicates cannot leak in.
	exact, err := json.Marshal(known)
	if err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	if err := json.Unmarshal(exact, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
