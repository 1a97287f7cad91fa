// Package web serves the manager's HTTP JSON API together with health and
// metrics endpoints.
package web

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

	"github.com/bhyvex/metis/internal/cluster"
	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/frontend/middleware"
	"github.com/bhyvex/metis/internal/health"
	"github.com/bhyvex/metis/internal/index"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
	"github.com/bhyvex/metis/internal/util/workerpool"
)

// Manager is the core API used by the web front-end
type Manager interface {
	AddLevel(ctx context.Context, level, subLevel uint32) (model.Level, error)
	FindAndFill(ctx context.Context, item model.ItemKey) (*manager.LocateResult, error)
	PutItem(ctx context.Context, item model.ItemKey, size uint64) (*manager.PutResult, error)
	GetStorageForCopy(rangeID model.RangeID, size uint64, current []model.NodeID) (*placement.Reservation, error)
	ConfirmReservation(ctx context.Context, id uuid.UUID) (*placement.Reservation, error)
	RollbackReservation(id uuid.UUID) (*placement.Reservation, error)
	RegisterStorageNode(ctx context.Context, node model.StorageNode) error
	RemoveStorageNode(ctx context.Context, id model.NodeID) error
	SetStorageNodeStatus(id model.NodeID, status model.NodeStatus) error
	Stats() manager.Stats
	Directory() *cluster.Directory
	Index() *index.Index
}

// Options configure the web server
type Options struct {
	Addr   string
	Config config.WebConfig
	// MetricsPath serves MetricsHandler when both are set
	MetricsPath    string
	MetricsHandler http.Handler
}

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	pool       *workerpool.Pool
	handlers   *Handlers
	health     *health.HealthChecker
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Metrics

	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new HTTP server.
func NewServer(opts Options, mgr Manager, hc *health.HealthChecker, logger *zap.Logger, m *metrics.Metrics) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: opts.Config.Timeout,
			IdleTimeout:       2 * opts.Config.Timeout,
		},
		pool: workerpool.New(workerpool.Config{
			Name:      "web",
			Workers:   opts.Config.Workers,
			QueueSize: opts.Config.WorkerQueueLength,
			Logger:    logger,
		}),
		handlers: NewHandlers(mgr, logger),
		health:   hc,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger), middleware.RequestID)

	if s.health != nil {
		s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.opts.MetricsPath != "" && s.opts.MetricsHandler != nil {
		s.router.Handle(s.opts.MetricsPath, s.opts.MetricsHandler).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	chain := []mux.MiddlewareFunc{middleware.Observe("web", s.logger, s.metrics)}
	if s.opts.Config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(s.opts.Config.RateLimit, s.opts.Config.RateBurst, s.logger)
		chain = append(chain, limiter.Limit)
	}
	chain = append(chain, middleware.Timeout(s.opts.Config.Timeout), middleware.Pooled(s.pool))
	v1.Use(chain...)

	h := s.handlers
	v1.HandleFunc("/levels", h.ListLevels).Methods(http.MethodGet)
	v1.HandleFunc("/levels", h.AddLevel).Methods(http.MethodPost)

	v1.HandleFunc("/items/{level}/{sub_level}/{id}", h.LocateItem).Methods(http.MethodGet)
	v1.HandleFunc("/items/{level}/{sub_level}/{id}", h.PutItem).Methods(http.MethodPost)

	v1.HandleFunc("/ranges", h.ListRanges).Methods(http.MethodGet)
	v1.HandleFunc("/ranges/{range_id}", h.GetRange).Methods(http.MethodGet)
	v1.HandleFunc("/ranges/{range_id}/copies", h.ReserveCopy).Methods(http.MethodPost)

	v1.HandleFunc("/reservations/{reservation_id}/confirm", h.ConfirmReservation).Methods(http.MethodPost)
	v1.HandleFunc("/reservations/{reservation_id}/rollback", h.RollbackReservation).Methods(http.MethodPost)

	v1.HandleFunc("/storage-nodes", h.ListStorageNodes).Methods(http.MethodGet)
	v1.HandleFunc("/storage-nodes", h.AddStorageNode).Methods(http.MethodPost)
	v1.HandleFunc("/storage-nodes/{node_id}", h.RemoveStorageNode).Methods(http.MethodDelete)
	v1.HandleFunc("/storage-nodes/{node_id}/status", h.SetStorageNodeStatus).Methods(http.MethodPut)

	v1.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, "INVALID_ARGUMENT", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
	})
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. A bind
// failure is returned to the caller.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind web front-end on %s: %w", s.opts.Addr, err)
	}
	s.listener = lis
	s.done = make(chan struct{})

	s.logger.Info("Starting web front-end", zap.String("addr", lis.Addr().String()))
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web front-end stopped", zap.Error(err))
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

// Shutdown gracefully shuts down the HTTP server and its worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down web front-end")
	err := s.httpServer.Shutdown(ctx)
	if s.done != nil {
		<-s.done
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > 0 {
		timeout = time.Until(deadline)
	}
	if perr := s.pool.Stop(timeout); perr != nil && err == nil {
		err = perr
	}
	return err
}
