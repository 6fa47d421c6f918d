package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/thinksyncs/toppy/pkg/toppy"
)

// Server is the gateway stub (§4.5): an HTTP/3 listener that authenticates
// tunnel sessions on TunnelPath, serves each session's per-target relay
// requests on DataPath, a plain-HTTP healthz/metrics listener, and the
// session bookkeeping shared across all three.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *Metrics
	verifier TokenVerifier

	sessions *sessionTable
	hsLimit  *handshakeLimiter

	ready          atomic.Bool
	activeSessions atomic.Int64
}

func NewServer(cfg Config, log *slog.Logger, metrics *Metrics, verifier TokenVerifier) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		verifier: verifier,
		sessions: newSessionTable(cfg.SessionShards),
		hsLimit:  newHandshakeLimiter(cfg.HandshakeRate.PPS, cfg.HandshakeRate.Burst, cfg.HandshakeIPRate.PPS, cfg.HandshakeIPRate.Burst, cfg.HandshakeIPRate.TTL),
	}
}

// Serve runs the gateway until ctx is canceled. It uses http3.Server's own
// ListenAndServe rather than driving a separate QUIC listener: that server
// owns stream acceptance on every connection it serves (it has to, to
// dispatch each incoming request to mux), so the tunnel handshake and
// every per-target relay request (§4.2, §4.3) are both served as ordinary
// HTTP/3 requests on DataPath/TunnelPath instead of as raw QUIC streams
// that would contend with it for the same connection's streams.
func (s *Server) Serve(ctx context.Context) error {
	tlsCert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("load cert: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{http3.NextProtoH3},
		MinVersion:   tls.VersionTLS13,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(toppy.TunnelPath, s.tunnelHandler)
	mux.HandleFunc(toppy.DataPath, s.dataHandler)

	h3srv := &http3.Server{
		Addr:      s.cfg.Addr,
		Handler:   mux,
		TLSConfig: tlsConf,
		QUICConfig: &quic.Config{
			KeepAlivePeriod:       10 * time.Second,
			MaxIdleTimeout:        30 * time.Second,
			MaxIncomingStreams:    64,
			MaxIncomingUniStreams: 8,
		},
	}

	healthSrv := s.startHealthServer()
	metricsSrv := s.startMetricsServer()

	s.ready.Store(true)
	go s.sessionSweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- h3srv.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = h3srv.Close()
		runErr = ctx.Err()
	case runErr = <-errCh:
		if errors.Is(runErr, http.ErrServerClosed) {
			runErr = nil
		}
	}

	s.ready.Store(false)
	if healthSrv != nil {
		_ = healthSrv.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return runErr
}

func (s *Server) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	srv := &http.Server{Addr: s.cfg.HealthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server error", "err", err)
		}
	}()
	return srv
}

func (s *Server) startMetricsServer() *http.Server {
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

// healthHandler implements §4.5's healthz contract: 200 with JSON
// {"status":"ok"} once the gateway is ready to accept tunnels.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) tunnelHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodConnect {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.hsLimit.Allow(remoteIP(r.RemoteAddr)) {
		s.metrics.handshakes.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	token, ok := bearerToken(r.Header.Get(toppy.TokenHeader))
	if !ok {
		s.metrics.handshakes.WithLabelValues("unauthorized").Inc()
		http.Error(w, "token missing", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(token); err != nil {
		s.metrics.handshakes.WithLabelValues("unauthorized").Inc()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	streamer, ok := w.(http3.HTTPStreamer)
	if !ok {
		http.Error(w, "not http3", http.StatusBadRequest)
		return
	}
	stream := streamer.HTTPStream()

	clientNonce := make([]byte, toppy.HandshakeNonceSize)
	if _, err := io.ReadFull(r.Body, clientNonce); err != nil {
		http.Error(w, "bad client nonce", http.StatusBadRequest)
		return
	}
	serverNonce, err := toppy.NewHandshakeNonce()
	if err != nil {
		http.Error(w, "nonce error", http.StatusInternalServerError)
		return
	}
	sessionID, err := toppy.NewSessionID()
	if err != nil {
		http.Error(w, "session id error", http.StatusInternalServerError)
		return
	}

	keys, err := toppy.DeriveKeyMaterial(token, clientNonce, serverNonce)
	if err != nil {
		http.Error(w, "key derivation error", http.StatusInternalServerError)
		return
	}
	replay := toppy.NewReplayWindow(toppy.ReplayWindowSize)
	send, recv, err := toppy.NewServerCipherStates(keys, replay)
	if err != nil {
		http.Error(w, "cipher error", http.StatusInternalServerError)
		return
	}
	control := toppy.NewControlStream(stream, send, recv)

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(serverNonce); err != nil {
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	sess := newSession(sessionID, stream, control, s.cfg.Policy.Rules(), s.metrics, s.log, s.onSessionClose)
	s.addSession(sess)
	s.metrics.handshakes.WithLabelValues("ok").Inc()

	sess.Start(stream.Context())
	<-sess.closed
}

// dataHandler answers the per-target relay request toppy.Session.OpenDataStream
// opens after a successful Open on the control stream: it looks up the
// session and the pending dial by the id headers the client presents,
// then relays bytes until both directions are drained. Serving the relay
// as its own HTTP/3 request (rather than accepting a bare QUIC stream off
// the shared connection) keeps it inside the request multiplexing
// http3.Server already owns for that connection.
func (s *Server) dataHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodConnect {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, ok := bearerToken(r.Header.Get(toppy.TokenHeader))
	if !ok {
		http.Error(w, "token missing", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(token); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	sessionID, err := strconv.ParseUint(r.Header.Get(toppy.SessionIDHeader), 10, 64)
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	streamID, err := strconv.ParseUint(r.Header.Get(toppy.StreamIDHeader), 10, 64)
	if err != nil {
		http.Error(w, "bad stream id", http.StatusBadRequest)
		return
	}

	sess := s.sessions.Lookup(sessionID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn := sess.takePending(streamID)
	if conn == nil {
		s.metrics.drops.WithLabelValues("unknown_stream").Inc()
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	streamer, ok := w.(http3.HTTPStreamer)
	if !ok {
		conn.Close()
		http.Error(w, "not http3", http.StatusBadRequest)
		return
	}
	stream := streamer.HTTPStream()

	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	sess.relayDataStream(conn, stream)
}

func (s *Server) addSession(sess *Session) {
	s.sessions.Add(sess)
	s.metrics.sessions.Inc()
	s.activeSessions.Add(1)
}

func (s *Server) onSessionClose(sess *Session, err error) {
	if err != nil {
		s.log.Info("session closed", "id", sess.id, "err", err)
	}
	s.sessions.Remove(sess)
	s.metrics.sessions.Dec()
	s.activeSessions.Add(-1)
}

func (s *Server) sessionSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range s.sessions.Snapshot() {
				last := time.Unix(0, sess.lastSeen.Load())
				if now.Sub(last) > s.cfg.SessionTimeout {
					sess.Close(fmt.Errorf("idle timeout"))
				}
			}
		}
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
