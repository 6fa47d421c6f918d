package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thinksyncs/toppy/internal/bufferpool"
	"github.com/thinksyncs/toppy/internal/policyengine"
	"github.com/thinksyncs/toppy/pkg/toppy"
)

// Session is one authenticated tunnel session's server-side state: the
// control-stream dispatch loop (Ping/Open/Close, §4.2.3/§4.5) and the
// table of targets dialed by handleOpen but not yet claimed by a data
// request (§4.3). Each claim arrives as its own HTTP/3 request on
// toppy.DataPath rather than a bare QUIC stream accepted off the
// session's connection, so Server.dataHandler — not Session — owns
// matching the request to its pending dial; see dataHandler in server.go.
type Session struct {
	id      uint64
	stream  io.Closer
	control *toppy.ControlStream
	rules   []policyengine.Rule
	metrics *Metrics
	log     *slog.Logger
	bufSize int

	nextStreamID atomic.Uint64
	mu           sync.Mutex
	pending      map[uint64]net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	lastSeen  atomic.Int64
	onClose   func(*Session, error)
}

func newSession(id uint64, stream io.Closer, control *toppy.ControlStream, rules []policyengine.Rule, metrics *Metrics, log *slog.Logger, onClose func(*Session, error)) *Session {
	s := &Session{
		id:       id,
		stream:   stream,
		control:  control,
		rules:    rules,
		metrics:  metrics,
		log:      log,
		bufSize:  32 * 1024,
		pending:  make(map[uint64]net.Conn),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// Start runs the session's control loop until it fails or the session is
// closed. Data requests are served independently by Server.dataHandler as
// they arrive.
func (s *Session) Start(ctx context.Context) {
	go s.controlLoop(ctx)
}

// Close tears the session down exactly once, releasing any targets
// still dialed but never matched to a data stream.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.stream.Close()
		s.mu.Lock()
		for id, conn := range s.pending {
			conn.Close()
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s, err)
		}
	})
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
			return
		case <-s.closed:
			return
		default:
		}

		c, err := s.control.ReadCapsule()
		if err != nil {
			s.Close(fmt.Errorf("read capsule: %w", err))
			return
		}
		s.touch()
		s.metrics.capsules.WithLabelValues("in").Inc()

		switch c.Type {
		case toppy.CapPing:
			nonce, err := c.Nonce()
			if err != nil {
				continue
			}
			if err := s.writeCapsule(toppy.NewPong(nonce)); err != nil {
				s.Close(fmt.Errorf("write pong: %w", err))
				return
			}
		case toppy.CapOpen:
			s.handleOpen(ctx, c)
		case toppy.CapClose:
			streamID, _, derr := c.Close()
			if derr != nil {
				continue
			}
			if streamID == 0 {
				s.Close(fmt.Errorf("closed by peer"))
				return
			}
			s.closePending(streamID)
		default:
			// Unknown capsule types are ignored rather than fatal, per the
			// wire contract's forward-compatibility requirement (§6).
		}
	}
}

func (s *Session) writeCapsule(c toppy.Capsule) error {
	if err := s.control.WriteCapsule(c); err != nil {
		return err
	}
	s.metrics.capsules.WithLabelValues("out").Inc()
	return nil
}

func (s *Session) handleOpen(ctx context.Context, c toppy.Capsule) {
	targetAddr, err := c.TargetAddr()
	if err != nil {
		return
	}
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		s.sendOpenErr("invalid-target", err.Error())
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.sendOpenErr("invalid-target", fmt.Sprintf("invalid port in %q", targetAddr))
		return
	}

	resolveCtx, cancel := context.WithTimeout(ctx, toppy.DefaultDialTimeout)
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	cancel()
	if err != nil || len(addrs) == 0 {
		s.metrics.drops.WithLabelValues("dns_failed").Inc()
		s.sendOpenErr("dns-failed", fmt.Sprintf("resolve %s: %v", host, err))
		return
	}

	decision := policyengine.Evaluate(addrs[0].IP.String(), port, s.rules)
	if decision.IsDenied() {
		s.metrics.drops.WithLabelValues("policy_denied").Inc()
		s.sendOpenErr("policy-denied", decision.HumanSummary)
		return
	}

	conn, err := net.DialTimeout("tcp", targetAddr, toppy.DefaultDialTimeout)
	if err != nil {
		s.metrics.drops.WithLabelValues("dial_failed").Inc()
		s.sendOpenErr("dial-failed", err.Error())
		return
	}

	streamID := s.nextStreamID.Add(1)
	s.mu.Lock()
	s.pending[streamID] = conn
	s.mu.Unlock()

	if err := s.writeCapsule(toppy.NewOpenOk(streamID)); err != nil {
		s.closePending(streamID)
		s.Close(fmt.Errorf("write openok: %w", err))
	}
}

func (s *Session) sendOpenErr(code, msg string) {
	_ = s.writeCapsule(toppy.NewOpenErr(code, msg))
}

func (s *Session) closePending(streamID uint64) {
	s.mu.Lock()
	conn := s.pending[streamID]
	delete(s.pending, streamID)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) takePending(streamID uint64) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.pending[streamID]
	delete(s.pending, streamID)
	return conn
}

// relayDataStream bidirectionally copies bytes between the dialed target
// conn (claimed from pending by Server.dataHandler) and stream (the raw
// HTTP/3 request stream backing that data request), propagating
// half-close in both directions, until both sides are drained.
func (s *Session) relayDataStream(conn net.Conn, stream io.ReadWriteCloser) {
	defer conn.Close()
	defer stream.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- s.copyHalf(conn, stream, "in") }()
	go func() { errCh <- s.copyHalf(stream, conn, "out") }()
	<-errCh
	<-errCh
}

// copyHalf streams from src to dst, then closes only dst's write half so
// the opposite direction can still drain (§4.3's half-close discipline,
// mirrored here on the gateway side of the relay).
func (s *Session) copyHalf(dst io.Writer, src io.Reader, direction string) error {
	pool := bufferpool.New(s.bufSize)
	buf := pool.Get()
	defer pool.Put(buf)

	n, err := io.CopyBuffer(dst, src, buf)
	s.metrics.bytes.WithLabelValues(direction).Add(float64(n))
	closeWriteSide(dst)
	return err
}

// halfCloser is satisfied by *net.TCPConn. Stream types (the HTTP/3
// request stream backing a data request) only expose a full Close that
// already closes just the write direction, so they fall through to the
// default case below.
type halfCloser interface {
	CloseWrite() error
}

func closeWriteSide(w io.Writer) {
	switch v := w.(type) {
	case halfCloser:
		_ = v.CloseWrite()
	case io.Closer:
		_ = v.Close()
	}
}
