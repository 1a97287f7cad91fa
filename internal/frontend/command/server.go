// Package command serves the line-oriented command protocol over TCP.
//
// Each request is one line of space separated words; each reply is one line
// starting with OK or ERR <CODE>. A connection is handled by one worker of a
// bounded pool for its whole lifetime; when the pool is saturated the
// connection is answered with ERR UNAVAILABLE and closed.
package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
	"github.com/bhyvex/metis/internal/util/bufpool"
	"github.com/bhyvex/metis/internal/util/workerpool"
)

const busyReply = "ERR UNAVAILABLE server busy\n"

// Manager is the core API used by the command front-end
type Manager interface {
	AddLevel(ctx context.Context, level, subLevel uint32) (model.Level, error)
	FindAndFill(ctx context.Context, item model.ItemKey) (*manager.LocateResult, error)
	PutItem(ctx context.Context, item model.ItemKey, size uint64) (*manager.PutResult, error)
	GetStorageForCopy(rangeID model.RangeID, size uint64, current []model.NodeID) (*placement.Reservation, error)
	ConfirmReservation(ctx context.Context, id uuid.UUID) (*placement.Reservation, error)
	RollbackReservation(id uuid.UUID) (*placement.Reservation, error)
	Stats() manager.Stats
}

// Server accepts command connections
type Server struct {
	addr    string
	timeout time.Duration
	manager Manager
	pool    *workerpool.Pool
	buffers *bufpool.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	listener net.Listener
	conns    *xsync.MapOf[string, net.Conn]
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates the command server. buffers sizes the per-connection
// read buffer, which is also the longest accepted command line.
func NewServer(addr string, cfg config.FrontendConfig, buffers *bufpool.Pool, mgr Manager, logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		addr:    addr,
		timeout: cfg.Timeout,
		manager: mgr,
		buffers: buffers,
		logger:  logger,
		metrics: m,
		conns:   xsync.NewMapOf[string, net.Conn](),
		pool: workerpool.New(workerpool.Config{
			Name:      "cmd",
			Workers:   cfg.Workers,
			QueueSize: cfg.WorkerQueueLength,
			Logger:    logger,
		}),
	}
}

// Start binds the listen address and accepts connections in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind command front-end on %s: %w", s.addr, err)
	}
	s.listener = lis

	s.logger.Info("Starting command front-end", zap.String("addr", lis.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return
			}
			s.logger.Error("Failed to accept command connection", zap.Error(err))
			continue
		}
		s.dispatch(conn)
	}
}

func (s *Server) dispatch(conn net.Conn) {
	id := uuid.NewString()
	s.conns.Store(id, conn)

	release := func() {
		s.conns.Delete(id)
		conn.Close()
	}
	reject := func() {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write([]byte(busyReply))
		release()
	}

	err := s.pool.Submit(workerpool.Task{
		ID: id,
		Run: func(ctx context.Context) error {
			defer release()
			return newSession(s, conn).serve(ctx)
		},
		Discard: reject,
	})
	if err != nil {
		s.logger.Warn("Rejecting command connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		reject()
	}
}

// Shutdown stops accepting, closes open connections and stops the pool.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Shutting down command front-end")

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.conns.Range(func(_ string, c net.Conn) bool {
		c.Close()
		return true
	})

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			timeout = left
		}
	}
	return s.pool.Stop(timeout)
}
