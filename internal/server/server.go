// Package server implements the Connection Server (spec.md §4.6): two
// independent TCP listeners — one for producer connections, one bound to
// localhost for GUI connections — each connection owning its own parser
// buffer or send path, per the one-task-per-connection concurrency model
// (spec.md §5).
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/archive"
	"github.com/apaku/tracetool/internal/fanout"
	"github.com/apaku/tracetool/internal/ingest"
	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/internal/parser"
	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/apaku/tracetool/pkg/types"
)

// Config carries the two listen addresses and the per-connection idle
// timeout (SUPPLEMENTED FEATURES #2: the source never timed out idle
// producer sockets).
type Config struct {
	ProducerAddress string
	GUIAddress      string
	IdleTimeout     time.Duration
}

// Server owns the two listeners and every connection task spawned from
// them.
type Server struct {
	cfg        Config
	controller *ingest.Controller
	archiver   *archive.Archiver
	registry   *fanout.Registry
	storePath  string
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	producerListener net.Listener
	guiListener      net.Listener
	wg               sync.WaitGroup
	producerCount    atomic.Int64
}

// New builds a Server. storePath is sent to each GUI on connect as the
// TraceFileNameDatagram payload (spec.md §6).
func New(cfg Config, controller *ingest.Controller, archiver *archive.Archiver, registry *fanout.Registry, storePath string, logger *logrus.Logger) *Server {
	return &Server{cfg: cfg, controller: controller, archiver: archiver, registry: registry, storePath: storePath, logger: logger}
}

// SetMetrics attaches the Prometheus metrics updated as producers connect
// and disconnect. Passing nil disables metrics recording.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// ProducerConnections returns the number of producer sockets currently
// open, used by the admin introspection surface.
func (s *Server) ProducerConnections() int64 {
	return s.producerCount.Load()
}

// GUIConnections returns the number of GUI sockets currently open, used
// by the admin introspection surface.
func (s *Server) GUIConnections() int64 {
	return int64(s.registry.Count())
}

// Run opens both listeners and serves connections until ctx is canceled,
// then quiesces every connection task before returning (spec.md §5:
// "Server shutdown quiesces all producer and GUI tasks before dropping
// the store handle").
func (s *Server) Run(ctx context.Context) error {
	producerListener, err := net.Listen("tcp", s.cfg.ProducerAddress)
	if err != nil {
		return apperrors.TransportError("server", "listen_producer", err)
	}
	s.producerListener = producerListener

	guiListener, err := net.Listen("tcp", s.cfg.GUIAddress)
	if err != nil {
		producerListener.Close()
		return apperrors.TransportError("server", "listen_gui", err)
	}
	s.guiListener = guiListener

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"component":        "server",
			"producer_address": s.cfg.ProducerAddress,
			"gui_address":      s.cfg.GUIAddress,
		}).Info("listening")
	}

	s.wg.Add(2)
	go s.acceptLoop(ctx, producerListener, s.handleProducer)
	go s.acceptLoop(ctx, guiListener, s.handleGUI)

	<-ctx.Done()
	producerListener.Close()
	guiListener.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, handle func(context.Context, net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if s.logger != nil {
					s.logger.WithError(err).Warn("accept failed")
				}
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(ctx, conn)
		}()
	}
}

// handleProducer owns one producer connection's parser buffer for its
// entire lifetime; on disconnect the buffer (and any partial entry it
// held) is simply dropped, with no cross-connection effect (spec.md §5).
func (s *Server) handleProducer(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.producerCount.Add(1)
	if s.metrics != nil {
		s.metrics.ProducerConnectionsCurrent.Inc()
	}
	defer func() {
		s.producerCount.Add(-1)
		if s.metrics != nil {
			s.metrics.ProducerConnectionsCurrent.Dec()
		}
	}()

	p := parser.New(s.logger)
	buf := make([]byte, 64*1024)

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		p.Feed(buf[:n], func(rec types.Record) {
			s.dispatchRecord(ctx, rec)
		})
	}
}

func (s *Server) dispatchRecord(ctx context.Context, rec types.Record) {
	var err error
	switch {
	case rec.Entry != nil:
		err = s.controller.Ingest(ctx, rec.Entry)
	case rec.Shutdown != nil:
		err = s.controller.IngestShutdown(ctx, rec.Shutdown)
	case rec.Config != nil:
		err = s.controller.ApplyStorageConfiguration(ctx, *rec.Config)
	}
	if err != nil && s.logger != nil {
		s.logger.WithFields(logrus.Fields{"component": "server"}).WithError(err).Warn("record dispatch failed")
	}
}

// connSubscriber implements fanout.Subscriber by writing directly to the
// GUI socket under a per-connection mutex. There is deliberately no
// queue in front of the socket: backpressure from a slow GUI is applied
// by the blocking Write call itself, per spec.md §4.6's "Slow consumers
// apply backpressure at the socket level; no per-GUI buffering caps are
// imposed by the core".
type connSubscriber struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *connSubscriber) Send(encoded []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(encoded)
	return err
}

// handleGUI registers the connection as a fan-out subscriber, sends the
// connect-time TraceFileNameDatagram, then services inbound control
// datagrams until the connection closes or sends malformed input.
func (s *Server) handleGUI(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sub := &connSubscriber{conn: conn}
	handle := s.registry.Register(sub)
	defer s.registry.Unregister(handle)

	if err := s.registry.SendTo(handle, fanout.Frame{Type: fanout.TraceFileNameDatagram, Payload: []byte(s.storePath)}); err != nil {
		return
	}

	for {
		frame, err := fanout.ReadFrame(conn)
		if err != nil {
			if s.logger != nil && apperrors.Is(err, apperrors.KindProtocol) {
				s.logger.WithFields(logrus.Fields{"component": "server"}).WithError(err).Warn("GUI protocol violation; closing connection")
			}
			return
		}

		switch frame.Type {
		case fanout.DatabaseNukeDatagram:
			if err := s.controller.Nuke(ctx); err != nil && s.logger != nil {
				s.logger.WithError(err).Error("nuke_database failed")
			}
		default:
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"component": "server", "datagram_type": frame.Type}).Warn("unexpected datagram from GUI")
			}
		}
	}
}
