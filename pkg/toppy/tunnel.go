package toppy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ControlStream frames and AEAD-seals Capsules over a byte-oriented
// transport (an HTTP/3 request stream). Each frame is
// varint(counter) | varint(len) | ciphertext, so capsules stay
// individually addressable (and replay-checkable) even though the
// underlying stream has no datagram boundaries of its own.
type ControlStream struct {
	r    *bufio.Reader
	w    io.Writer
	send *CipherState
	recv *CipherState
}

// NewControlStream wraps rw as a capsule-framed, AEAD-sealed control
// channel. send seals outgoing capsules; recv opens and replay-checks
// incoming ones.
func NewControlStream(rw io.ReadWriter, send, recv *CipherState) *ControlStream {
	return &ControlStream{r: bufio.NewReader(rw), w: rw, send: send, recv: recv}
}

// WriteCapsule seals and frames c onto the stream.
func (cs *ControlStream) WriteCapsule(c Capsule) error {
	plain := AppendCapsule(nil, c)
	counter := cs.send.NextCounter()
	ciphertext := cs.send.Seal(nil, counter, nil, plain)
	var hdr [2 * binary.MaxVarintLen64]byte
	n1 := binary.PutUvarint(hdr[:], counter)
	n2 := binary.PutUvarint(hdr[n1:], uint64(len(ciphertext)))
	if _, err := cs.w.Write(hdr[:n1+n2]); err != nil {
		return fmt.Errorf("write capsule header: %w", err)
	}
	if _, err := cs.w.Write(ciphertext); err != nil {
		return fmt.Errorf("write capsule body: %w", err)
	}
	return nil
}

// ReadCapsule reads, opens, and decodes the next capsule from the stream.
func (cs *ControlStream) ReadCapsule() (Capsule, error) {
	counter, err := binary.ReadUvarint(cs.r)
	if err != nil {
		return Capsule{}, fmt.Errorf("read capsule counter: %w", err)
	}
	length, err := binary.ReadUvarint(cs.r)
	if err != nil {
		return Capsule{}, fmt.Errorf("read capsule length: %w", err)
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(cs.r, ciphertext); err != nil {
		return Capsule{}, fmt.Errorf("read capsule body: %w", err)
	}
	plain, err := cs.recv.Open(nil, counter, nil, ciphertext)
	if err != nil {
		return Capsule{}, fmt.Errorf("open capsule: %w", err)
	}
	c, _, err := ParseCapsule(plain)
	if err != nil {
		return Capsule{}, err
	}
	return c, nil
}

// Tunnel is the shared, per-session state carried by both the client and
// gateway once a handshake has completed: a session id, the agreed MTU,
// and the control stream used for Ping/Pong/Open/OpenOk/OpenErr/Close.
type Tunnel struct {
	SessionID uint64
	MTU       int
	Control   *ControlStream
}

func NewTunnel(sessionID uint64, mtu int, control *ControlStream) *Tunnel {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Tunnel{SessionID: sessionID, MTU: mtu, Control: control}
}

// Ping sends a Ping capsule carrying a fresh nonce and waits for the
// matching Pong. Dial calls it once after the handshake, which is how the
// doctor's h3.connect check exercises Ping/Pong; nothing calls it later
// for idle liveness.
func (t *Tunnel) Ping() error {
	nonce, err := NewHandshakeNonce()
	if err != nil {
		return err
	}
	if err := t.Control.WriteCapsule(NewPing(nonce)); err != nil {
		return err
	}
	reply, err := t.Control.ReadCapsule()
	if err != nil {
		return err
	}
	if reply.Type != CapPong {
		return fmt.Errorf("expected Pong, got %s", reply.Type)
	}
	got, err := reply.Nonce()
	if err != nil {
		return err
	}
	for i := range nonce {
		if got[i] != nonce[i] {
			return fmt.Errorf("pong nonce mismatch")
		}
	}
	return nil
}

// Open sends Open{targetAddr} and waits for OpenOk or OpenErr.
func (t *Tunnel) Open(targetAddr string) (streamID uint64, err error) {
	if err := t.Control.WriteCapsule(NewOpen(targetAddr)); err != nil {
		return 0, err
	}
	reply, err := t.Control.ReadCapsule()
	if err != nil {
		return 0, err
	}
	switch reply.Type {
	case CapOpenOk:
		return reply.StreamID()
	case CapOpenErr:
		code, msg, derr := reply.OpenErr()
		if derr != nil {
			return 0, derr
		}
		return 0, &OpenError{Code: code, Message: msg}
	default:
		return 0, fmt.Errorf("expected OpenOk/OpenErr, got %s", reply.Type)
	}
}

// OpenError reports a server-declined Open, carrying a stable reason code
// (e.g. "policy-denied") alongside a human summary.
type OpenError struct {
	Code    string
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open failed: %s: %s", e.Code, e.Message)
}
