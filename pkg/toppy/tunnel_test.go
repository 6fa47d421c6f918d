package toppy

import (
	"net"
	"testing"
)

func pairedControlStreams(t *testing.T) (client, server *ControlStream) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	km, err := DeriveKeyMaterial("secret", make([]byte, HandshakeNonceSize), bytesOf(1))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	cSend, cRecv, err := NewClientCipherStates(km, NewReplayWindow(128))
	if err != nil {
		t.Fatalf("client cipher: %v", err)
	}
	sSend, sRecv, err := NewServerCipherStates(km, NewReplayWindow(128))
	if err != nil {
		t.Fatalf("server cipher: %v", err)
	}
	client = NewControlStream(clientConn, cSend, cRecv)
	server = NewControlStream(serverConn, sSend, sRecv)
	return client, server
}

func bytesOf(fill byte) []byte {
	b := make([]byte, HandshakeNonceSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestControlStreamPingPong(t *testing.T) {
	client, server := pairedControlStreams(t)

	errCh := make(chan error, 1)
	go func() {
		c, err := server.ReadCapsule()
		if err != nil {
			errCh <- err
			return
		}
		nonce, err := c.Nonce()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- server.WriteCapsule(NewPong(nonce))
	}()

	tun := NewTunnel(1, DefaultMTU, client)
	if err := tun.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestControlStreamOpenOk(t *testing.T) {
	client, server := pairedControlStreams(t)

	go func() {
		c, err := server.ReadCapsule()
		if err != nil {
			return
		}
		target, err := c.TargetAddr()
		if err != nil || target != "127.0.0.1:9001" {
			_ = server.WriteCapsule(NewOpenErr("invalid-target", "bad target"))
			return
		}
		_ = server.WriteCapsule(NewOpenOk(7))
	}()

	tun := NewTunnel(1, DefaultMTU, client)
	streamID, err := tun.Open("127.0.0.1:9001")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if streamID != 7 {
		t.Fatalf("stream id mismatch: %d", streamID)
	}
}

func TestControlStreamOpenDenied(t *testing.T) {
	client, server := pairedControlStreams(t)

	go func() {
		if _, err := server.ReadCapsule(); err != nil {
			return
		}
		_ = server.WriteCapsule(NewOpenErr("cidr-not-allowed", "10.0.0.1:80 is not allowed by policy"))
	}()

	tun := NewTunnel(1, DefaultMTU, client)
	_, err := tun.Open("10.0.0.1:80")
	if err == nil {
		t.Fatalf("expected denial error")
	}
	oerr, ok := err.(*OpenError)
	if !ok {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if oerr.Code != "cidr-not-allowed" {
		t.Fatalf("code mismatch: %s", oerr.Code)
	}
}
