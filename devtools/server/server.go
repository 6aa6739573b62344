// Package server accepts debugger connections and wires every one of them to
// its own set of actors for the pages being debugged.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/actors/performance"
	"github.com/liuxd6825/devtools/devtools/actors/profiler"
	"github.com/liuxd6825/devtools/devtools/actors/root"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/script"
)

// Config holds the listener addresses and protocol limits of a Server.
// Empty addresses disable the matching listener.
type Config struct {
	Address        string
	WSAddress      string
	MetricsAddress string
	PollInterval   time.Duration
	MaxPacketSize  int
}

// Server is a remote debugging server for a fixed set of pages.
type Server struct {
	cfg     Config
	pages   []script.Page
	logger  logrus.FieldLogger
	metrics *Metrics
}

// New creates a server exposing pages.
func New(cfg Config, pages []script.Page, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		pages:   pages,
		logger:  logger,
		metrics: NewMetrics(),
	}
}

// Metrics returns the collectors of the server.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Run listens on every configured address and serves until ctx is done or a
// listener fails. It waits for all connections to be torn down.
func (s *Server) Run(ctx context.Context) error {
	type listener struct {
		addr  string
		serve func(context.Context, net.Listener) error
	}
	listeners := []listener{
		{s.cfg.Address, s.Serve},
		{s.cfg.WSAddress, s.ServeWS},
		{s.cfg.MetricsAddress, s.ServeMetrics},
	}

	var bound []net.Listener
	var serves []func(context.Context, net.Listener) error
	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, b := range bound {
				_ = b.Close()
			}
			return fmt.Errorf("could not listen on %s: %w", l.addr, err)
		}
		bound = append(bound, ln)
		serves = append(serves, l.serve)
	}
	if len(bound) == 0 {
		return errors.New("no listen address configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range bound {
		ln, serve := bound[i], serves[i]
		g.Go(func() error { return serve(ctx, ln) })
	}
	return g.Wait()
}

// Serve accepts length-prefixed packet connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("address", ln.Addr().String()).Info("Accepting debugger connections")
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var (
		wg  sync.WaitGroup
		err error
	)
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, func(l logrus.FieldLogger) protocol.Stream {
				return protocol.NewFramedStream(conn, s.cfg.MaxPacketSize, l)
			})
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("accepting connections: %w", err)
}

// ServeWS accepts websocket debugger connections on ln until ctx is done.
func (s *Server) ServeWS(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("address", ln.Addr().String()).Info("Accepting websocket debugger connections")
	var wg sync.WaitGroup
	err := s.serveHTTP(ctx, ln, s.wsHandler(&wg))
	wg.Wait()
	return err
}

// ServeMetrics serves the Prometheus metrics of the server on ln until ctx is
// done.
func (s *Server) ServeMetrics(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("address", ln.Addr().String()).Info("Serving metrics")
	return s.serveHTTP(ctx, ln, s.metricsHandler())
}

// serveHTTP returns once ln failed, or ctx is done and every request that
// wasn't hijacked has finished.
func (s *Server) serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := newHTTPServer(ctx, handler)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("HTTP listener didn't shut down cleanly")
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveConn drives one debugger connection until the client goes away, a
// fatal error happens or ctx is done.
func (s *Server) serveConn(ctx context.Context, newStream func(logrus.FieldLogger) protocol.Stream) {
	id, err := uuid.NewV4()
	if err != nil {
		s.logger.WithError(err).Error("Couldn't generate a connection ID")
		return
	}
	logger := s.logger.WithField("conn", id.String())
	stream := newStream(logger)
	logger = logger.WithField("remote", stream.RemoteAddr())

	s.metrics.connections.Inc()
	s.metrics.activeConnections.Inc()
	defer s.metrics.activeConnections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	w := meteredWriter{Writer: stream, metrics: s.metrics}
	registry, greeting, err := s.newConnectionActors(logger, func(err error) {
		logger.WithError(err).Error("Timeline data couldn't be sent, closing the connection")
		cancel()
	})
	if err != nil {
		logger.WithError(err).Error("Couldn't set up the connection actors")
		_ = stream.Close()
		return
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.WithError(err).Debug("Actors didn't shut down cleanly")
		}
		_ = stream.Close()
		logger.Debug("Connection closed")
	}()

	logger.Debug("Debugger connected")
	if err := w.WritePacket(greeting); err != nil {
		logger.WithError(err).Debug("Couldn't write the greeting")
		return
	}

	for {
		msg, err := stream.ReadPacket()
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrBadPacket):
			logger.WithError(err).Debug("Rejecting malformed packet")
			if werr := w.WritePacket(protocol.NewError(actor.RootName, protocol.ErrorBadPacket, "%s", err)); werr != nil {
				return
			}
			continue
		case errors.Is(err, io.EOF) || ctx.Err() != nil:
			logger.Debug("Debugger disconnected")
			return
		default:
			logger.WithError(err).Warn("Closing connection after a read failure")
			return
		}

		s.metrics.packetIn()
		if err := registry.Dispatch(msg, w); err != nil {
			logger.WithError(err).Error("Closing connection after a failed request")
			return
		}
	}
}

// newConnectionActors registers a performance and a profiler actor for each
// page, and the root actor listing them.
func (s *Server) newConnectionActors(
	logger logrus.FieldLogger, onStreamFailure func(error),
) (*actor.Registry, root.Greeting, error) {
	registry := actor.NewRegistry(logger)
	tabs := make([]root.Tab, 0, len(s.pages))
	for _, page := range s.pages {
		perf := performance.New(
			registry.NewName(performance.Prefix), page.Pipeline(), page.Control(),
			performance.Options{
				PollInterval:    s.cfg.PollInterval,
				OnStreamFailure: onStreamFailure,
				Observer:        s.metrics,
			},
			logger,
		)
		prof := profiler.New(registry.NewName(profiler.Prefix), logger)
		for _, a := range []actor.Actor{perf, prof} {
			if err := registry.Register(a); err != nil {
				return nil, root.Greeting{}, err
			}
		}
		tabs = append(tabs, root.Tab{
			Title:            page.Title(),
			URL:              page.URL(),
			OuterWindowID:    page.Pipeline(),
			PerformanceActor: perf.Name(),
			ProfilerActor:    prof.Name(),
		})
	}

	ra := root.New(tabs)
	if err := registry.Register(ra); err != nil {
		return nil, root.Greeting{}, err
	}
	return registry, ra.Greeting(), nil
}
