// Package sessionproxy binds a local TCP listener and relays accepted
// connections through an authenticated tunnel session (§4.3).
package sessionproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/thinksyncs/toppy/internal/bufferpool"
	"github.com/thinksyncs/toppy/pkg/toppy"
)

// Mode selects how many connections a SessionHandle relays before
// tearing itself down (§4.3).
type Mode int

const (
	Persistent Mode = iota
	Once
)

func (m Mode) String() string {
	if m == Once {
		return "once"
	}
	return "persistent"
}

// State is a SessionHandle's lifecycle stage (§3, §4.3):
// Connecting -> Ready -> Relaying -> Draining -> Closed.
type State int

const (
	Connecting State = iota
	Ready
	Relaying
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Ready:
		return "Ready"
	case Relaying:
		return "Relaying"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RelayStream is one relayed logical connection's byte transport.
// *toppy.DataStream satisfies it; tests supply a plain *net.TCPConn
// without a real QUIC gateway.
type RelayStream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// DataOpener opens one RelayStream for a connection's target. Adapter
// wraps *toppy.Session to satisfy it.
type DataOpener interface {
	OpenDataStream(ctx context.Context, targetAddr string) (RelayStream, error)
}

// Adapter bridges *toppy.Session's concrete OpenDataStream return type to
// the DataOpener interface this package relays against.
type Adapter struct {
	Session *toppy.Session
}

func (a Adapter) OpenDataStream(ctx context.Context, targetAddr string) (RelayStream, error) {
	return a.Session.OpenDataStream(ctx, targetAddr)
}

// SessionHandle is the single owner of a tunnel session's local listener
// and relay tasks (§9: single owner plus borrowed handles in spawned
// tasks bounded by the owner's drain step).
type SessionHandle struct {
	session    DataOpener
	targetAddr string
	mode       Mode
	bufSize    int
	drainGrace time.Duration
	log        *slog.Logger

	mu       sync.Mutex
	state    State
	listener net.Listener
	wg       sync.WaitGroup
}

// Option customizes a SessionHandle built with New.
type Option func(*SessionHandle)

func WithBufferSize(n int) Option { return func(h *SessionHandle) { h.bufSize = n } }

func WithDrainGrace(d time.Duration) Option { return func(h *SessionHandle) { h.drainGrace = d } }

func WithLogger(l *slog.Logger) Option { return func(h *SessionHandle) { h.log = l } }

// New builds a SessionHandle in state Connecting. Callers transition it
// to Ready implicitly by calling Run once the tunnel handshake (Dial,
// Ping) has already completed.
func New(session DataOpener, targetAddr string, mode Mode, opts ...Option) *SessionHandle {
	h := &SessionHandle{
		session:    session,
		targetAddr: targetAddr,
		mode:       mode,
		bufSize:    32 * 1024,
		drainGrace: toppy.DefaultDrainGrace,
		log:        slog.Default(),
		state:      Connecting,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State reports the handle's current lifecycle stage.
func (h *SessionHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *SessionHandle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Addr reports the bound listener's address once Run has reached Ready,
// or nil beforehand. Useful for tests and diagnostics binding ":0".
func (h *SessionHandle) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Run binds listenAddr and relays connections per h.mode until ctx is
// canceled (Persistent) or the first connection completes (Once).
func (h *SessionHandle) Run(ctx context.Context, listenAddr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		h.setState(Closed)
		return fmt.Errorf("bind listener: %w", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	h.setState(Ready)
	h.setState(Relaying)

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- h.acceptLoop(ctx, ln) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-acceptErrCh:
	}

	h.drain()
	return runErr
}

func (h *SessionHandle) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if h.mode == Once {
			return h.relay(ctx, conn)
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.relay(ctx, conn); err != nil {
				h.log.Warn("relay ended", "err", err)
			}
		}()
	}
}

// drain closes the listener first to refuse new work, waits up to
// drainGrace for in-flight relays to finish on their own, then marks the
// handle Closed regardless (§4.3, §5).
func (h *SessionHandle) drain() {
	h.setState(Draining)
	h.mu.Lock()
	listener := h.listener
	h.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(h.drainGrace):
		h.log.Warn("drain grace elapsed with relays still in flight")
	}

	h.setState(Closed)
}

// relay opens one logical tunnel stream for conn's target and
// bidirectionally copies bytes until both directions close, propagating
// half-close: EOF on one side shuts down only that side's write, the
// opposite half continues to completion (§4.3).
func (h *SessionHandle) relay(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	stream, err := h.session.OpenDataStream(ctx, h.targetAddr)
	if err != nil {
		return &toppy.TaggedError{Kind: toppy.KindRelayIOError, Err: fmt.Errorf("open data stream: %w", err)}
	}
	defer stream.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- h.copyHalf(stream, conn, "tunnel<-local") }()
	go func() { errCh <- h.copyHalf(conn, stream, "local<-tunnel") }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type halfCloseWriter interface {
	CloseWrite() error
}

// copyHalf streams from src to dst using a pooled buffer. On a clean EOF
// from src it closes only dst's write half, never dst's read half, so the
// opposite direction can still drain.
func (h *SessionHandle) copyHalf(dst io.Writer, src io.Reader, label string) error {
	pool := bufferpool.New(h.bufSize)
	buf := pool.Get()
	defer pool.Put(buf)

	_, err := io.CopyBuffer(dst, src, buf)
	if hc, ok := dst.(halfCloseWriter); ok {
		_ = hc.CloseWrite()
	}
	if err != nil {
		return &toppy.TaggedError{Kind: toppy.KindRelayIOError, Err: fmt.Errorf("%s: %w", label, err)}
	}
	return nil
}
