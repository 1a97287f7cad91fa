package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
)

// Prober checks the health of one storage node.
type Prober interface {
	Probe(ctx context.Context, node model.StorageNode) (model.NodeStatus, error)
}

// HealthMonitorConfig configures the health monitor
type HealthMonitorConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Concurrency int
}

// HealthMonitor probes storage nodes and updates their status in the
// directory. A node is marked down after MaxFailures consecutive failed
// probes; a successful probe restores the status the node reports.
type HealthMonitor struct {
	directory *Directory
	prober    Prober
	config    HealthMonitorConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	failures map[model.NodeID]int
	lastRun  time.Time
	running  bool
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(directory *Directory, prober Prober, cfg HealthMonitorConfig, logger *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &HealthMonitor{
		directory: directory,
		prober:    prober,
		config:    cfg,
		logger:    logger,
		metrics:   m,
		failures:  make(map[model.NodeID]int),
	}
}

// Tick probes all nodes when the probe interval has elapsed since the last
// round. Overlapping rounds are skipped.
func (h *HealthMonitor) Tick(ctx context.Context, now time.Time) {
	h.mu.Lock()
	if h.running || (!h.lastRun.IsZero() && now.Sub(h.lastRun) < h.config.Interval) {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.lastRun = now
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	h.ProbeAll(ctx)
}

// ProbeAll probes every registered node once.
func (h *HealthMonitor) ProbeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Concurrency)

	for _, node := range h.directory.List() {
		node := node
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, h.config.Timeout)
			defer cancel()
			status, err := h.prober.Probe(pctx, node)
			h.record(node, status, err)
			return nil
		})
	}
	_ = g.Wait()

	h.metrics.SetStorageNodesActive(h.directory.UpCount())
}

func (h *HealthMonitor) record(node model.StorageNode, status model.NodeStatus, err error) {
	if err != nil {
		h.metrics.RecordHealthProbe("failure")

		h.mu.Lock()
		h.failures[node.ID]++
		failures := h.failures[node.ID]
		h.mu.Unlock()

		h.logger.Debug("Storage node probe failed",
			zap.Uint32("node_id", uint32(node.ID)),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))

		if failures >= h.config.MaxFailures && node.Status != model.NodeStatusDown {
			if _, serr := h.directory.SetStatus(node.ID, model.NodeStatusDown); serr == nil {
				h.logger.Warn("Storage node marked down",
					zap.Uint32("node_id", uint32(node.ID)),
					zap.Int("consecutive_failures", failures))
			}
		}
		return
	}

	h.metrics.RecordHealthProbe(string(status))

	h.mu.Lock()
	delete(h.failures, node.ID)
	h.mu.Unlock()

	if status != node.Status {
		_, _ = h.directory.SetStatus(node.ID, status)
	}
}

// Failures returns the consecutive failure count of a node
func (h *HealthMonitor) Failures(id model.NodeID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[id]
}
