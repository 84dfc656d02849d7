// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemux/edgemux/pkg/breaker"
	"github.com/edgemux/edgemux/pkg/filter"
	"github.com/edgemux/edgemux/pkg/metrics"
	"github.com/edgemux/edgemux/pkg/pool"
	"github.com/edgemux/edgemux/pkg/ratelimit"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the
	// configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrUnknownCluster is returned when a filter routes to a cluster
	// the listener has no upstream for.
	ErrUnknownCluster = errors.New("unknown cluster")
)

const readBufferSize = 32 * 1024

// Config holds the listener configuration.
type Config struct {
	// Name identifies this listener in logs and metric labels.
	Name string

	// Address is the listen address (host:port).
	Address string

	// TargetAddress is the default upstream (host:port). Empty means the
	// listener has no upstream and the filter chain must answer all
	// traffic itself.
	TargetAddress string

	// Clusters maps cluster names, as chosen by routing filters, to
	// upstream addresses.
	Clusters map[string]string

	// TLSConfig is optional TLS termination for the listener.
	TLSConfig *tls.Config

	// MaxConnections caps concurrent connections; 0 means unlimited.
	MaxConnections int64

	// RejectMessage is written to clients turned away over the
	// connection cap.
	RejectMessage string

	// InspectTimeout bounds how long the initial inspection phase may
	// wait for enough client bytes.
	InspectTimeout time.Duration

	// MaxInspectBytes caps the bytes withheld from the upstream while
	// filters ask for more data.
	MaxInspectBytes int

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger for server events.
	Logger *slog.Logger

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Server accepts TCP connections, runs each through a filter chain, and
// proxies admitted traffic to the routed upstream.
type Server struct {
	cfg       Config
	providers []filter.Provider
	limiter   *ratelimit.ConnLimiter
	breakers  *breaker.Group
	pools     *pool.Group
	wg        sync.WaitGroup
}

// New creates a server running the given filter chain on every
// connection.
func New(cfg Config, providers []filter.Provider) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.InspectTimeout == 0 {
		cfg.InspectTimeout = 10 * time.Second
	}
	if cfg.MaxInspectBytes == 0 {
		cfg.MaxInspectBytes = 64 * 1024
	}
	if cfg.RejectMessage == "" {
		cfg.RejectMessage = "too many connections\n"
	}

	return &Server{
		cfg:       cfg,
		providers: providers,
		limiter:   ratelimit.NewConnLimiter(cfg.MaxConnections),
		breakers:  breaker.NewGroup(breaker.Config{}),
		pools:     pool.NewGroup(pool.Config{}),
	}
}

// Listen starts the server and blocks until the context is cancelled,
// then drains active connections.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	if s.cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, s.cfg.TLSConfig)
		s.cfg.Logger.Info("TLS enabled", slog.String("address", s.cfg.Address))
	}

	s.cfg.Logger.Info("TCP listener started",
		slog.String("listener", s.cfg.Name),
		slog.String("address", s.cfg.Address))

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.cfg.Logger.Error("failed to accept connection", slog.Any("error", err))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.cfg.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.Any("error", err))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.cfg.Logger.Info("shutdown signal received, closing listener",
		slog.String("listener", s.cfg.Name))

	if err := listener.Close(); err != nil {
		s.cfg.Logger.Error("error closing listener", slog.Any("error", err))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("all connections closed gracefully")
		s.pools.Close()
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.cfg.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		s.pools.Close()
		return ErrShutdownTimeout
	}
}

// session is the per-connection state threaded through the phases.
type session struct {
	conn    *filter.Conn
	filters []filter.Filter
	inbound net.Conn
	status  string
}

// handleConn runs one connection: accept-time admission, the inspection
// phase, then bidirectional proxying.
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()
	start := time.Now()

	guard, err := s.limiter.Acquire()
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RateLimited.WithLabelValues(s.cfg.Name).Inc()
			s.cfg.Metrics.ObserveConnection(s.cfg.Name, "rate_limited", start)
		}
		s.cfg.Logger.Warn("connection rejected over connection cap",
			slog.String("listener", s.cfg.Name),
			slog.String("remote", inbound.RemoteAddr().String()))
		inbound.Write([]byte(s.cfg.RejectMessage))
		return nil
	}
	defer guard.Release()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.WithLabelValues(s.cfg.Name).Inc()
		defer s.cfg.Metrics.ActiveConnections.WithLabelValues(s.cfg.Name).Dec()
	}

	sess := &session{
		conn: &filter.Conn{
			SessionID:  uuid.New().String(),
			RemoteAddr: inbound.RemoteAddr().String(),
			LocalAddr:  inbound.LocalAddr().String(),
		},
		filters: filter.Instantiate(s.providers),
		inbound: inbound,
		status:  "ok",
	}

	defer func() {
		for _, f := range sess.filters {
			f.OnClose(sess.conn)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveConnection(s.cfg.Name, sess.status, start)
		}
	}()

	if tlsConn, ok := inbound.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			sess.status = "tls_error"
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	for _, f := range sess.filters {
		d := f.OnAccept(ctx, sess.conn)
		switch d.Action {
		case filter.Continue:
		case filter.Respond:
			inbound.Write(d.Payload)
			sess.status = "blocked"
			return nil
		default:
			sess.status = "blocked"
			s.cfg.Logger.Debug("connection refused at accept",
				slog.String("session_id", sess.conn.SessionID),
				slog.String("reason", d.Reason))
			return nil
		}
	}

	pending, proxied, err := s.inspect(ctx, sess)
	if err != nil || !proxied {
		return err
	}
	return s.proxy(ctx, sess, pending)
}

// runData feeds one client delivery through the chain. Route decisions
// record the cluster and let later filters run. NeedMoreData also lets
// the rest of the chain see the delivery; several filters may buffer the
// same initial bytes independently, and starving the later ones would
// leave them with a truncated view of the stream. Respond and Close stop
// the chain.
func (s *Server) runData(ctx context.Context, sess *session, segs [][]byte) filter.Decision {
	out := filter.Pass
	for _, f := range sess.filters {
		d := f.OnData(ctx, sess.conn, segs)
		switch d.Action {
		case filter.Continue:
		case filter.Route:
			sess.conn.Cluster = d.Cluster
			if out.Action != filter.NeedMoreData {
				out = d
			}
		case filter.NeedMoreData:
			out = filter.More
		default:
			return d
		}
	}
	return out
}

func (s *Server) runWrite(ctx context.Context, sess *session, segs [][]byte) filter.Decision {
	for _, f := range sess.filters {
		d := f.OnWrite(ctx, sess.conn, segs)
		if d.Action != filter.Continue && d.Action != filter.Route {
			return d
		}
	}
	return filter.Pass
}

// inspect withholds initial client bytes from the upstream until every
// filter has settled on a decision. It returns the bytes to replay to the
// upstream and whether the connection proceeds to proxying.
func (s *Server) inspect(ctx context.Context, sess *session) ([]byte, bool, error) {
	buf := make([]byte, readBufferSize)
	var pending []byte
	deadline := time.Now().Add(s.cfg.InspectTimeout)

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}

		sess.inbound.SetReadDeadline(deadline)
		n, err := sess.inbound.Read(buf)
		if n > 0 {
			delivery := buf[:n]
			pending = append(pending, delivery...)

			d := s.runData(ctx, sess, [][]byte{delivery})
			switch d.Action {
			case filter.NeedMoreData:
				if len(pending) >= s.cfg.MaxInspectBytes {
					// Filters never settled inside the window; stop
					// withholding and let the traffic flow.
					sess.inbound.SetReadDeadline(time.Time{})
					return pending, true, nil
				}

			case filter.Respond:
				if n := len(d.Payload); n > 0 {
					if _, werr := sess.inbound.Write(d.Payload); werr != nil {
						return nil, false, werr
					}
					s.countSent(n)
				}
				pending = nil

			case filter.Close:
				sess.status = "blocked"
				s.cfg.Logger.Debug("connection closed by filter",
					slog.String("session_id", sess.conn.SessionID),
					slog.String("reason", d.Reason))
				return nil, false, nil

			default:
				sess.inbound.SetReadDeadline(time.Time{})
				return pending, true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, false, nil
			}
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// The client went quiet before the filters settled;
				// forward what arrived and move on.
				sess.inbound.SetReadDeadline(time.Time{})
				return pending, true, nil
			}
			return nil, false, err
		}
	}
}

// upstreamAddr resolves the routed cluster, or the default target, to an
// upstream address. An empty address with no routed cluster selects sink
// mode.
func (s *Server) upstreamAddr(sess *session) (string, error) {
	if sess.conn.Cluster != "" {
		addr, ok := s.cfg.Clusters[sess.conn.Cluster]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownCluster, sess.conn.Cluster)
		}
		return addr, nil
	}
	return s.cfg.TargetAddress, nil
}

// proxy replays the inspected bytes to the upstream and streams both
// directions through the chain until either side closes.
func (s *Server) proxy(ctx context.Context, sess *session, pending []byte) error {
	addr, err := s.upstreamAddr(sess)
	if err != nil {
		sess.status = "route_error"
		return err
	}
	if addr == "" {
		return s.sink(ctx, sess, pending)
	}

	var outbound *pool.Conn
	dialErr := s.breakers.Get(addr).Call(func() error {
		var err error
		outbound, err = s.pools.Get(addr).Get(ctx)
		return err
	})
	if dialErr != nil {
		sess.status = "upstream_error"
		return fmt.Errorf("connecting to upstream %s: %w", addr, dialErr)
	}

	s.cfg.Logger.Debug("session established",
		slog.String("session_id", sess.conn.SessionID),
		slog.String("client", sess.conn.RemoteAddr),
		slog.String("upstream", addr),
		slog.String("cluster", sess.conn.Cluster))

	if len(pending) > 0 {
		if _, err := outbound.Write(pending); err != nil {
			outbound.Discard()
			sess.status = "upstream_error"
			return fmt.Errorf("replaying inspected bytes: %w", err)
		}
		s.countReceived(len(pending))
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.streamData(ctx, sess, outbound) }()
	go func() { errCh <- s.streamWrite(ctx, sess, outbound) }()

	// The first direction to finish tears both conns down to unblock the
	// other.
	streamErr := <-errCh
	sess.inbound.Close()
	outbound.Conn.Close()
	<-errCh

	outbound.Discard()

	if streamErr != nil && !errors.Is(streamErr, io.EOF) && !errors.Is(streamErr, net.ErrClosed) {
		sess.status = "stream_error"
		return streamErr
	}
	return nil
}

// streamData pumps client bytes through the chain to the upstream.
func (s *Server) streamData(ctx context.Context, sess *session, outbound net.Conn) error {
	buf := make([]byte, readBufferSize)
	var held []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := sess.inbound.Read(buf)
		if n > 0 {
			delivery := buf[:n]

			d := s.runData(ctx, sess, [][]byte{delivery})
			switch d.Action {
			case filter.NeedMoreData:
				held = append(held, delivery...)

			case filter.Respond:
				held = nil
				if len(d.Payload) > 0 {
					if _, werr := sess.inbound.Write(d.Payload); werr != nil {
						return werr
					}
					s.countSent(len(d.Payload))
				}

			case filter.Close:
				sess.status = "blocked"
				return nil

			default:
				out := delivery
				if len(held) > 0 {
					out = append(held, delivery...)
					held = nil
				}
				if _, werr := outbound.Write(out); werr != nil {
					return werr
				}
				s.countReceived(len(out))
			}
		}
		if err != nil {
			return err
		}
	}
}

// streamWrite pumps upstream bytes through the chain to the client.
func (s *Server) streamWrite(ctx context.Context, sess *session, outbound net.Conn) error {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := outbound.Read(buf)
		if n > 0 {
			delivery := buf[:n]

			d := s.runWrite(ctx, sess, [][]byte{delivery})
			switch d.Action {
			case filter.Respond:
				if len(d.Payload) > 0 {
					if _, werr := sess.inbound.Write(d.Payload); werr != nil {
						return werr
					}
					s.countSent(len(d.Payload))
				}

			case filter.Close:
				sess.status = "blocked"
				return nil

			default:
				if _, werr := sess.inbound.Write(delivery); werr != nil {
					return werr
				}
				s.countSent(len(delivery))
			}
		}
		if err != nil {
			return err
		}
	}
}

// sink serves a listener with no upstream: the filter chain answers
// everything, forwarded bytes are dropped. The inspected bytes already
// went through the chain, so only fresh deliveries are processed here.
func (s *Server) sink(ctx context.Context, sess *session, _ []byte) error {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := sess.inbound.Read(buf)
		if n > 0 {
			s.countReceived(n)
			d := s.runData(ctx, sess, [][]byte{buf[:n]})
			switch d.Action {
			case filter.Respond:
				if len(d.Payload) > 0 {
					if _, werr := sess.inbound.Write(d.Payload); werr != nil {
						return werr
					}
					s.countSent(len(d.Payload))
				}
			case filter.Close:
				sess.status = "blocked"
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) countReceived(n int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BytesReceived.WithLabelValues(s.cfg.Name).Add(float64(n))
	}
}

func (s *Server) countSent(n int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BytesSent.WithLabelValues(s.cfg.Name).Add(float64(n))
	}
}
