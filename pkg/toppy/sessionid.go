package toppy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSessionID returns a random 64-bit session identifier.
func NewSessionID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// NewHandshakeNonce returns a fresh random handshake nonce of
// HandshakeNonceSize bytes (equal to PingNonceSize), used both for
// Ping/Pong liveness and for key derivation.
func NewHandshakeNonce() ([]byte, error) {
	b := make([]byte, HandshakeNonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("handshake nonce: %w", err)
	}
	return b, nil
}
