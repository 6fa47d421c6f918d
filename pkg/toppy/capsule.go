// Package toppy implements the wire protocol, crypto, and tunnel-session
// primitives shared by the Toppy client and gateway.
package toppy

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ProtocolVersion = 1
	Magic           = "TPY"

	TunnelPath = "/tunnel"

	// DataPath is the per-relay request path a client opens once per
	// Open'd target (§4.3): each logical TCP connection rides its own
	// HTTP/3 request on the same QUIC connection as the control stream,
	// rather than a bare QUIC stream, so it stays inside the request
	// multiplexing http3.Server already owns on that connection.
	DataPath = "/tunnel/data"

	TokenHeader     = "Authorization"
	SessionIDHeader = "X-Toppy-Session-Id"
	StreamIDHeader  = "X-Toppy-Stream-Id"
	DefaultMTU      = 1350

	// capsuleHeaderLen is the fixed portion of a framed capsule: magic(3) +
	// version(1) + type(1), followed by a varint length and the payload.
	capsuleHeaderLen = 5
)

var (
	ErrInvalidCapsule = errors.New("invalid capsule")
	ErrBadMagic       = errors.New("invalid capsule magic")
	ErrBadVersion     = errors.New("unsupported capsule version")
)

// CapsuleType tags the variant carried by a Capsule. Unknown values are
// preserved verbatim by decode/encode so the protocol can grow without
// breaking peers that don't understand a new type (§6).
type CapsuleType uint8

const (
	CapPing CapsuleType = iota
	CapPong
	CapOpen
	CapOpenOk
	CapOpenErr
	CapClose
)

func (t CapsuleType) String() string {
	switch t {
	case CapPing:
		return "Ping"
	case CapPong:
		return "Pong"
	case CapOpen:
		return "Open"
	case CapOpenOk:
		return "OpenOk"
	case CapOpenErr:
		return "OpenErr"
	case CapClose:
		return "Close"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Capsule is a framed, typed control message. Payload holds the
// type-specific encoding; known types are built and read via the
// constructors and accessors below, so a peer that doesn't recognize Type
// still has the exact bytes to re-encode unchanged.
type Capsule struct {
	Type    CapsuleType
	Payload []byte
}

// AppendCapsule frames c onto dst: magic | version | type | varint(len) | payload.
func AppendCapsule(dst []byte, c Capsule) []byte {
	dst = append(dst, Magic...)
	dst = append(dst, ProtocolVersion, byte(c.Type))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(c.Payload)))
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, c.Payload...)
	return dst
}

// ParseCapsule decodes a single framed capsule from the front of b and
// returns the capsule plus any unconsumed trailing bytes.
func ParseCapsule(b []byte) (Capsule, []byte, error) {
	if len(b) < capsuleHeaderLen {
		return Capsule{}, nil, ErrInvalidCapsule
	}
	if string(b[:3]) != Magic {
		return Capsule{}, nil, ErrBadMagic
	}
	if b[3] != ProtocolVersion {
		return Capsule{}, nil, ErrBadVersion
	}
	typ := CapsuleType(b[4])
	rest := b[5:]
	length, n := binary.Uvarint(rest)
	if n <= 0 {
		return Capsule{}, nil, ErrInvalidCapsule
	}
	rest = rest[n:]
	if uint64(len(rest)) < length {
		return Capsule{}, nil, ErrInvalidCapsule
	}
	payload := rest[:length]
	return Capsule{Type: typ, Payload: payload}, rest[length:], nil
}

// PingNonceSize is the fixed nonce length carried by Ping/Pong capsules.
const PingNonceSize = 16

func NewPing(nonce []byte) Capsule  { return Capsule{Type: CapPing, Payload: append([]byte(nil), nonce...)} }
func NewPong(nonce []byte) Capsule  { return Capsule{Type: CapPong, Payload: append([]byte(nil), nonce...)} }

// Nonce returns the nonce payload of a Ping or Pong capsule.
func (c Capsule) Nonce() ([]byte, error) {
	if c.Type != CapPing && c.Type != CapPong {
		return nil, fmt.Errorf("capsule %s has no nonce", c.Type)
	}
	if len(c.Payload) != PingNonceSize {
		return nil, fmt.Errorf("nonce payload must be %d bytes", PingNonceSize)
	}
	return c.Payload, nil
}

// NewOpen builds an Open{target_addr} capsule.
func NewOpen(targetAddr string) Capsule {
	return Capsule{Type: CapOpen, Payload: []byte(targetAddr)}
}

// TargetAddr returns the target address of an Open capsule.
func (c Capsule) TargetAddr() (string, error) {
	if c.Type != CapOpen {
		return "", fmt.Errorf("capsule %s is not Open", c.Type)
	}
	return string(c.Payload), nil
}

// NewOpenOk builds an OpenOk{stream_id} capsule.
func NewOpenOk(streamID uint64) Capsule {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], streamID)
	return Capsule{Type: CapOpenOk, Payload: b[:]}
}

// StreamID returns the stream id carried by an OpenOk capsule.
func (c Capsule) StreamID() (uint64, error) {
	if c.Type != CapOpenOk {
		return 0, fmt.Errorf("capsule %s is not OpenOk", c.Type)
	}
	if len(c.Payload) != 8 {
		return 0, ErrInvalidCapsule
	}
	return binary.BigEndian.Uint64(c.Payload), nil
}

// NewOpenErr builds an OpenErr{code,msg} capsule. code is a short, stable
// reason string (e.g. "policy-denied", "cert.invalid", "token.invalid").
func NewOpenErr(code, msg string) Capsule {
	payload := make([]byte, 0, 2+len(code)+len(msg))
	payload = append(payload, byte(len(code)))
	payload = append(payload, code...)
	payload = append(payload, msg...)
	return Capsule{Type: CapOpenErr, Payload: payload}
}

// OpenErr returns the code and message of an OpenErr capsule.
func (c Capsule) OpenErr() (code, msg string, err error) {
	if c.Type != CapOpenErr {
		return "", "", fmt.Errorf("capsule %s is not OpenErr", c.Type)
	}
	if len(c.Payload) < 1 {
		return "", "", ErrInvalidCapsule
	}
	n := int(c.Payload[0])
	if len(c.Payload) < 1+n {
		return "", "", ErrInvalidCapsule
	}
	return string(c.Payload[1 : 1+n]), string(c.Payload[1+n:]), nil
}

// NewClose builds a Close{stream_id,reason} capsule. stream_id of 0 closes
// the whole session rather than a single logical stream.
func NewClose(streamID uint64, reason string) Capsule {
	payload := make([]byte, 8+len(reason))
	binary.BigEndian.PutUint64(payload[:8], streamID)
	copy(payload[8:], reason)
	return Capsule{Type: CapClose, Payload: payload}
}

// Close returns the stream id and reason carried by a Close capsule.
func (c Capsule) Close() (streamID uint64, reason string, err error) {
	if c.Type != CapClose {
		return 0, "", fmt.Errorf("capsule %s is not Close", c.Type)
	}
	if len(c.Payload) < 8 {
		return 0, "", ErrInvalidCapsule
	}
	return binary.BigEndian.Uint64(c.Payload[:8]), string(c.Payload[8:]), nil
}
