package toppy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/quic-go/quic-go/http3"
)

// DataStream is one relayed logical connection: its own HTTP/3 request
// stream opened on the same QUIC connection as the control stream, and
// correlated to the gateway-side pending Open by the session and stream
// id headers presented when the request is sent. Capsule framing only
// ever runs on the control stream; DataStream carries plain relayed
// bytes once the gateway answers 200.
type DataStream struct {
	stream   *http3.RequestStream
	StreamID uint64
}

func (d *DataStream) Read(p []byte) (int, error) { return d.stream.Read(p) }

func (d *DataStream) Write(p []byte) (int, error) { return d.stream.Write(p) }

// CloseWrite closes the write half of the stream only, so a client-side
// EOF propagates to the gateway without preventing further reads (§4.3
// half-close discipline). The request stream's Close already closes only
// the write direction.
func (d *DataStream) CloseWrite() error {
	return d.stream.Close()
}

// Close tears down both directions: it cancels any further reads, then
// closes the write side.
func (d *DataStream) Close() error {
	d.stream.CancelRead(0)
	return d.stream.Close()
}

// OpenDataStream performs an Open{targetAddr} on the control stream, then
// opens a fresh HTTP/3 request stream on the same QUIC connection and
// presents it to the gateway's data handler carrying the agreed session
// and stream ids, so the relay can be matched to the pending Open. A
// dedicated QUIC stream opened directly (outside the HTTP/3 request
// layer) would race http3.Server's own stream-acceptance loop on the same
// connection and get reset; routing the relay through its own request
// keeps it inside that multiplexing instead of contending with it.
func (s *Session) OpenDataStream(ctx context.Context, targetAddr string) (*DataStream, error) {
	streamID, err := s.Tunnel.Open(targetAddr)
	if err != nil {
		return nil, err
	}

	reqStream, err := s.cc.OpenRequestStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open data stream: %w", err)
	}

	reqURL := &url.URL{Scheme: "https", Host: s.serverName, Path: DataPath}
	hdr := make(http.Header)
	hdr.Set(TokenHeader, "Bearer "+s.authToken)
	hdr.Set(SessionIDHeader, strconv.FormatUint(s.Tunnel.SessionID, 10))
	hdr.Set(StreamIDHeader, strconv.FormatUint(streamID, 10))
	hreq := &http.Request{Method: http.MethodConnect, URL: reqURL, Header: hdr}
	if err := reqStream.SendRequestHeader(hreq); err != nil {
		return nil, fmt.Errorf("send data stream request: %w", err)
	}

	resp, err := reqStream.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("read data stream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data stream rejected: %s", resp.Status)
	}

	return &DataStream{stream: reqStream, StreamID: streamID}, nil
}
