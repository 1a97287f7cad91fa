// Package webdav exposes items as WebDAV resources under
// /{level}/{sub_level}/{id}. The manager holds no item bytes: GET and PUT
// redirect to the primary storage node of the item's range unless the
// content cache can answer.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/cache"
	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/frontend/middleware"
	"github.com/bhyvex/metis/internal/index"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/util/workerpool"
)

// Manager is the core API used by the WebDAV front-end
type Manager interface {
	AddLevel(ctx context.Context, level, subLevel uint32) (model.Level, error)
	FindAndFill(ctx context.Context, item model.ItemKey) (*manager.LocateResult, error)
	PutItem(ctx context.Context, item model.ItemKey, size uint64) (*manager.PutResult, error)
	StageItem(reservationID uuid.UUID, header model.ItemHeader, data []byte) bool
	Index() *index.Index
	Cache() *cache.Cache
}

// Server is the WebDAV front-end
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	pool       *workerpool.Pool
	manager    Manager
	addr       string
	// bodies up to inlineLimit bytes reach the content cache once the put is confirmed
	inlineLimit int64
	logger      *zap.Logger

	listener net.Listener
	done     chan struct{}
}

// NewServer creates the WebDAV server
func NewServer(addr string, cfg config.FrontendConfig, inlineLimit int64, mgr Manager, logger *zap.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		manager:     mgr,
		addr:        addr,
		inlineLimit: inlineLimit,
		logger:      logger,
		pool: workerpool.New(workerpool.Config{
			Name:      "webdav",
			Workers:   cfg.Workers,
			QueueSize: cfg.WorkerQueueLength,
			Logger:    logger,
		}),
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.Timeout,
	}

	s.router.Use(
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Observe("webdav", logger, m),
		middleware.Timeout(cfg.Timeout),
		middleware.Pooled(s.pool),
	)

	item := "/{level:[0-9]+}/{sub_level:[0-9]+}/{id:[0-9]+}"
	level := "/{level:[0-9]+}/{sub_level:[0-9]+}"

	s.router.Methods(http.MethodOptions).HandlerFunc(s.options)
	s.router.HandleFunc(item, s.get).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc(item, s.put).Methods(http.MethodPut)
	s.router.HandleFunc(item, s.propfindItem).Methods("PROPFIND")
	s.router.HandleFunc(level, s.mkcol).Methods("MKCOL")
	s.router.HandleFunc(level, s.propfindLevel).Methods("PROPFIND")
	s.router.HandleFunc("/", s.propfindRoot).Methods("PROPFIND")
	return s
}

// Handler returns the http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind webdav front-end on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.done = make(chan struct{})

	s.logger.Info("Starting webdav front-end", zap.String("addr", lis.Addr().String()))
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webdav front-end stopped", zap.Error(err))
		}
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

// Shutdown stops the server and its worker pool
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down webdav front-end")
	err := s.httpServer.Shutdown(ctx)
	if s.done != nil {
		<-s.done
	}
	if perr := s.pool.Stop(5 * time.Second); perr != nil && err == nil {
		err = perr
	}
	return err
}
