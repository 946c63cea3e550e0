// Package stream is the monitor-facing TCP listener: length-prefixed JSON
// frames, an AUTH_CP handshake first, then registration and heartbeat
// traffic for the lifetime of the connection.
package stream

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"evcentral/internal/metrics"
	"evcentral/internal/repository"
	"evcentral/internal/secure"
	"evcentral/internal/service"
)

type Server struct {
	log        *zap.Logger
	addr       string
	orch       *service.Orchestrator
	store      repository.Store
	keys       *secure.KeyStore
	audit      service.Recorder
	metrics    *metrics.Metrics
	memoryOnly bool

	ln net.Listener
	wg sync.WaitGroup
}

// Config for the monitor listener. MemoryOnly skips secret verification,
// which is the no-database bootstrap mode.
type Config struct {
	Addr       string
	MemoryOnly bool
}

func NewServer(cfg Config, log *zap.Logger, orch *service.Orchestrator, store repository.Store, keys *secure.KeyStore, audit service.Recorder, m *metrics.Metrics) *Server {
	return &Server{
		log:        log,
		addr:       cfg.Addr,
		orch:       orch,
		store:      store,
		keys:       keys,
		audit:      audit,
		metrics:    m,
		memoryOnly: cfg.MemoryOnly,
	}
}

// Listen binds the TCP port. Separate from Serve so callers can learn the
// bound address before accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts monitor connections until the context is cancelled. Each
// connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	s.log.Info("monitor listener up", zap.String("addr", s.ln.Addr().String()))

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}
