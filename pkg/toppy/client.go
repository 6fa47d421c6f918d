package toppy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	// DefaultDialTimeout bounds DNS resolution and the QUIC+HTTP/3
	// handshake (§5: "Handshake and DNS operations carry a hard timeout
	// (default 5 s)").
	DefaultDialTimeout = 5 * time.Second

	// DefaultDrainGrace is the bounded window applied to in-flight relays
	// after a session starts draining (§4.2, §5).
	DefaultDrainGrace = 5 * time.Second

	// ReplayWindowSize is the sliding-bitmap width guarding the control
	// stream's receive direction against replayed capsules.
	ReplayWindowSize = 2048
)

// DialConfig carries everything Dial needs to open an authenticated
// tunnel session to a gateway: host/port, TLS trust material, and the
// bearer token presented on the control stream.
type DialConfig struct {
	Gateway     string
	Port        int
	ServerName  string
	CACertPath  string
	AuthToken   string
	MTU         int
	DialTimeout time.Duration
}

// Session is an established, authenticated tunnel session: the QUIC
// connection, the HTTP/3 client conn used to open both the control
// stream and every subsequent per-target data stream on it, and the
// capsule-framed Tunnel built atop the control stream. The session is
// the sole owner of all of these; relay tasks and SessionHandle only
// ever borrow Tunnel.Control or call OpenDataStream.
type Session struct {
	quicConn quic.Connection
	cc       *http3.ClientConn
	stream   *http3.RequestStream
	Tunnel   *Tunnel

	serverName string
	authToken  string
}

// Close tears down the QUIC connection. Callers that already sent a
// Close capsule should still call Close to release the transport.
func (s *Session) Close() error {
	return s.quicConn.CloseWithError(0, "")
}

// Dial performs §4.2 steps 1-3: resolve the gateway, establish a
// certificate-verified QUIC+HTTP/3 connection, and authenticate the
// control stream with the bearer token, deriving the capsule AEAD keys
// along the way. It stops short of Open{target}, which callers make via
// Session.Tunnel.Open once Dial returns.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(dialCtx, cfg.Gateway); err != nil {
		return nil, &TaggedError{Kind: KindDNSFailure, Err: fmt.Errorf("resolve %s: %w", cfg.Gateway, err)}
	}

	tlsConf, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	quicConf := &quic.Config{
		HandshakeIdleTimeout: timeout,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Gateway, strconv.Itoa(cfg.Port))
	quicConn, err := quic.DialAddr(dialCtx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, classifyDialError(err)
	}

	session, err := authenticate(ctx, quicConn, tlsConf, cfg)
	if err != nil {
		quicConn.CloseWithError(0, "")
		return nil, err
	}
	return session, nil
}

func authenticate(ctx context.Context, quicConn quic.Connection, tlsConf *tls.Config, cfg DialConfig) (*Session, error) {
	if cfg.AuthToken == "" {
		return nil, &TaggedError{Kind: KindTokenMissing, Err: fmt.Errorf("auth_token is empty")}
	}

	tr := &http3.Transport{TLSClientConfig: tlsConf}
	cc := tr.NewClientConn(quicConn)
	stream, err := cc.OpenRequestStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open request stream: %w", err)
	}

	reqURL := &url.URL{Scheme: "https", Host: cfg.ServerName, Path: TunnelPath}
	hdr := make(http.Header)
	hdr.Set(TokenHeader, "Bearer "+cfg.AuthToken)
	hreq := &http.Request{Method: http.MethodConnect, URL: reqURL, Header: hdr}
	if err := stream.SendRequestHeader(hreq); err != nil {
		return nil, fmt.Errorf("send tunnel request: %w", err)
	}

	clientNonce, err := NewHandshakeNonce()
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(clientNonce); err != nil {
		return nil, fmt.Errorf("write client nonce: %w", err)
	}

	resp, err := stream.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read tunnel response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TaggedError{Kind: classifyAuthFailure(string(body)), Err: fmt.Errorf("token rejected: %s", strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tunnel request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	serverNonce := make([]byte, HandshakeNonceSize)
	if _, err := io.ReadFull(resp.Body, serverNonce); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}

	keys, err := DeriveKeyMaterial(cfg.AuthToken, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	replay := NewReplayWindow(ReplayWindowSize)
	send, recv, err := NewClientCipherStates(keys, replay)
	if err != nil {
		return nil, err
	}

	control := NewControlStream(stream, send, recv)
	sessionID, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	tunnel := NewTunnel(sessionID, mtu, control)

	if err := tunnel.Ping(); err != nil {
		return nil, fmt.Errorf("h3.connect: liveness ping failed: %w", err)
	}

	return &Session{
		quicConn:   quicConn,
		cc:         cc,
		stream:     stream,
		Tunnel:     tunnel,
		serverName: cfg.ServerName,
		authToken:  cfg.AuthToken,
	}, nil
}

func buildTLSConfig(cfg DialConfig) (*tls.Config, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.Gateway
	}
	tlsConf := &tls.Config{
		ServerName: serverName,
		NextProtos: []string{http3.NextProtoH3},
		MinVersion: tls.VersionTLS13,
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, &TaggedError{Kind: KindConfigInvalid, Err: fmt.Errorf("read ca_cert_path: %w", err)}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &TaggedError{Kind: KindConfigInvalid, Err: fmt.Errorf("ca_cert_path contains no usable certificates")}
		}
		tlsConf.RootCAs = pool
	}
	return tlsConf, nil
}

// classifyDialError maps a QUIC/TLS dial failure onto the cert.* taxonomy
// (§7) so callers never have to string-match on the underlying error.
func classifyDialError(err error) error {
	var hostErr x509.HostnameError
	var certErr x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	switch {
	case errors.As(err, &hostErr):
		return &TaggedError{Kind: KindCertHostnameMismatch, Err: err}
	case errors.As(err, &certErr):
		if certErr.Reason == x509.Expired {
			return &TaggedError{Kind: KindCertExpired, Err: err}
		}
		return &TaggedError{Kind: KindCertInvalid, Err: err}
	case errors.As(err, &unknownAuth):
		return &TaggedError{Kind: KindCertInvalid, Err: err}
	default:
		return fmt.Errorf("quic dial: %w", err)
	}
}

func classifyAuthFailure(body string) ErrorKind {
	if strings.Contains(strings.ToLower(body), "expired") {
		return KindTokenExpired
	}
	return KindTokenInvalid
}
