package toppy

import "testing"

func TestCapsuleRoundTrip(t *testing.T) {
	nonce := make([]byte, PingNonceSize)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	cases := []Capsule{
		NewPing(nonce),
		NewPong(nonce),
		NewOpen("127.0.0.1:9001"),
		NewOpenOk(42),
		NewOpenErr("policy-denied", "target is not allowed by policy"),
		NewClose(42, "peer-closed"),
	}
	for _, c := range cases {
		buf := AppendCapsule(nil, c)
		got, rest, err := ParseCapsule(buf)
		if err != nil {
			t.Fatalf("parse %s: %v", c.Type, err)
		}
		if len(rest) != 0 {
			t.Fatalf("%s: unexpected trailing bytes: %d", c.Type, len(rest))
		}
		if got.Type != c.Type {
			t.Fatalf("type mismatch: %s != %s", got.Type, c.Type)
		}
		if string(got.Payload) != string(c.Payload) {
			t.Fatalf("%s: payload mismatch", c.Type)
		}
	}
}

func TestCapsuleUnknownTypePreserved(t *testing.T) {
	c := Capsule{Type: CapsuleType(200), Payload: []byte("future-extension")}
	buf := AppendCapsule(nil, c)
	got, _, err := ParseCapsule(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != c.Type || string(got.Payload) != string(c.Payload) {
		t.Fatalf("unknown capsule not preserved: %+v", got)
	}
	reencoded := AppendCapsule(nil, got)
	if string(reencoded) != string(buf) {
		t.Fatalf("unknown capsule did not re-encode identically")
	}
}

func TestParseCapsuleInvalid(t *testing.T) {
	if _, _, err := ParseCapsule([]byte("short")); err == nil {
		t.Fatalf("expected error for short input")
	}
	buf := AppendCapsule(nil, NewPing(make([]byte, PingNonceSize)))
	buf[0] = 'X'
	if _, _, err := ParseCapsule(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestOpenErrAccessors(t *testing.T) {
	c := NewOpenErr("cidr-not-allowed", "10.0.0.5:22 is not allowed by policy")
	code, msg, err := c.OpenErr()
	if err != nil {
		t.Fatalf("open err: %v", err)
	}
	if code != "cidr-not-allowed" {
		t.Fatalf("code mismatch: %s", code)
	}
	if msg != "10.0.0.5:22 is not allowed by policy" {
		t.Fatalf("msg mismatch: %s", msg)
	}
}
