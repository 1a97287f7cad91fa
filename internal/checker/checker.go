// Package checker reconciles the range index with the replicas that
// actually exist on storage nodes. A sweep walks every range in id order
// over many ticks, resuming from the last visited range.
package checker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bhyvex/metis/internal/cluster"
	"github.com/bhyvex/metis/internal/index"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
)

// ReplicaTransport performs replica operations on storage nodes
type ReplicaTransport interface {
	HasRange(ctx context.Context, node model.StorageNode, rangeID model.RangeID) (bool, error)
	CopyRange(ctx context.Context, source, target model.StorageNode, rangeID model.RangeID) error
	DeleteRange(ctx context.Context, node model.StorageNode, rangeID model.RangeID) error
}

// Invalidator drops cached metadata of a range whose copy set changed
type Invalidator interface {
	Invalidate(ctx context.Context, id model.RangeID) int
}

// State is the sweep state of the checker
type State int32

const (
	StateIdle State = iota
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	default:
		return "UNKNOWN"
	}
}

// Config holds checker parameters
type Config struct {
	// RangesPerTick bounds the ranges verified by one tick
	RangesPerTick int
	// RepairConcurrency bounds the ranges verified in parallel
	RepairConcurrency int
	// OperationTimeout bounds each remote call
	OperationTimeout time.Duration
	// SweepInterval is the pause between the end of a sweep and the next one
	SweepInterval time.Duration
}

// Stats is a point-in-time view of the checker
type Stats struct {
	State         string        `json:"state"`
	Cursor        model.RangeID `json:"cursor"`
	Sweeps        uint64        `json:"sweeps"`
	RangesChecked uint64        `json:"ranges_checked"`
	CopiesAdded   uint64        `json:"copies_added"`
	CopiesRetired uint64        `json:"copies_retired"`
	Anomalies     uint64        `json:"anomalies"`
	LastSweepEnd  time.Time     `json:"last_sweep_end"`
}

// Checker is the range consistency checker. It only runs between Start and
// Stop; ticks outside that window are ignored.
type Checker struct {
	index       *index.Index
	engine      *placement.Engine
	directory   *cluster.Directory
	transport   ReplicaTransport
	invalidator Invalidator
	config      Config
	logger      *zap.Logger
	metrics     *metrics.Metrics

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	busy  atomic.Bool
	state atomic.Int32

	progressMu   sync.Mutex
	cursor       model.RangeID
	lastSweepEnd time.Time

	sweeps        atomic.Uint64
	rangesChecked atomic.Uint64
	copiesAdded   atomic.Uint64
	copiesRetired atomic.Uint64
	anomalies     atomic.Uint64
}

// New creates a range consistency checker
func New(ix *index.Index, engine *placement.Engine, directory *cluster.Directory, transport ReplicaTransport, invalidator Invalidator, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Checker {
	if cfg.RangesPerTick <= 0 {
		cfg.RangesPerTick = 256
	}
	if cfg.RepairConcurrency <= 0 {
		cfg.RepairConcurrency = 4
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Minute
	}
	return &Checker{
		index:       ix,
		engine:      engine,
		directory:   directory,
		transport:   transport,
		invalidator: invalidator,
		config:      cfg,
		logger:      logger,
		metrics:     m,
	}
}

// Start enables the checker. Ticks launch sweep steps until Stop.
func (c *Checker) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Range checker started",
		zap.Int("ranges_per_tick", c.config.RangesPerTick),
		zap.Int("repair_concurrency", c.config.RepairConcurrency))
}

// Stop cancels in-flight repairs and waits for the running step to finish.
func (c *Checker) Stop() {
	c.lifecycleMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.ctx = nil
	c.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("Range checker stopped")
}

// Running reports whether the checker has been started
func (c *Checker) Running() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.cancel != nil
}

// Tick launches one sweep step in the background. It returns false when the
// checker is stopped, a step is still running or the next sweep is not due.
func (c *Checker) Tick(now time.Time) bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.ctx == nil {
		return false
	}
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}
	if !c.due(now) {
		c.busy.Store(false)
		return false
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		c.step(ctx, now)
	}()
	return true
}

// RunOnce runs one sweep step synchronously. It returns false when another
// step is running.
func (c *Checker) RunOnce(ctx context.Context, now time.Time) bool {
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}
	defer c.busy.Store(false)
	c.step(ctx, now)
	return true
}

// Sweep runs steps until a whole sweep has completed.
func (c *Checker) Sweep(ctx context.Context) {
	c.RunOnce(ctx, time.Now())
	for c.State() == StateScanning && ctx.Err() == nil {
		c.RunOnce(ctx, time.Now())
	}
}

// State returns the current sweep state
func (c *Checker) State() State {
	return State(c.state.Load())
}

// Stats returns checker counters
func (c *Checker) Stats() Stats {
	s := Stats{
		State:         c.State().String(),
		Sweeps:        c.sweeps.Load(),
		RangesChecked: c.rangesChecked.Load(),
		CopiesAdded:   c.copiesAdded.Load(),
		CopiesRetired: c.copiesRetired.Load(),
		Anomalies:     c.anomalies.Load(),
	}
	c.progressMu.Lock()
	s.Cursor = c.cursor
	s.LastSweepEnd = c.lastSweepEnd
	c.progressMu.Unlock()
	return s
}

func (c *Checker) due(now time.Time) bool {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if c.State() == StateScanning || c.lastSweepEnd.IsZero() {
		return true
	}
	return now.Sub(c.lastSweepEnd) >= c.config.SweepInterval
}

// step verifies the next batch of ranges. It is called with busy held.
func (c *Checker) step(ctx context.Context, now time.Time) {
	c.progressMu.Lock()
	if c.State() == StateIdle {
		c.state.Store(int32(StateScanning))
		c.cursor = 0
		c.sweeps.Add(1)
		c.metrics.RecordSweep()
		c.logger.Debug("Range sweep started")
	}
	cursor := c.cursor
	c.progressMu.Unlock()

	batch := c.index.Scan(cursor, c.config.RangesPerTick)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.RepairConcurrency)
	for _, r := range batch {
		r := r
		g.Go(func() error {
			c.checkRange(gctx, r)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// the batch is revisited after a restart
		return
	}

	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if len(batch) > 0 {
		c.cursor = batch[len(batch)-1].ID
	}
	if len(batch) < c.config.RangesPerTick {
		c.state.Store(int32(StateIdle))
		c.lastSweepEnd = now
		c.logger.Info("Range sweep completed",
			zap.Uint64("sweep", c.sweeps.Load()),
			zap.Uint64("ranges_checked", c.rangesChecked.Load()),
			zap.Uint64("anomalies", c.anomalies.Load()))
	}
}

// checkRange brings one range back to its replication target. Copies on
// down nodes stay in the index until enough live copies replace them.
func (c *Checker) checkRange(ctx context.Context, r *model.Range) {
	c.rangesChecked.Add(1)
	c.metrics.RecordRangeChecked()

	if r.State == model.RangeStateRetired || ctx.Err() != nil {
		return
	}

	target := c.engine.MinimumCopies()
	if r.TargetCopies != target {
		if _, err := c.index.SetTargetCopies(ctx, r.ID, target); err != nil {
			c.logger.Warn("Failed to update range target",
				zap.Uint64("range_id", uint64(r.ID)),
				zap.Int("target", target),
				zap.Error(err))
		}
	}

	for _, cp := range r.Copies {
		if ctx.Err() != nil {
			return
		}
		c.verifyCopy(ctx, r.ID, cp)
	}

	current, err := c.index.Range(r.ID)
	if err != nil {
		c.logger.Warn("Range vanished during check",
			zap.Uint64("range_id", uint64(r.ID)),
			zap.Error(err))
		return
	}

	live, unreachable := c.classify(current)
	if len(unreachable) > 0 {
		c.anomaly("node_down")
		c.markRepairing(ctx, current)
	}

	switch n := len(live); {
	case n == 0:
		c.anomaly("lost_range")
		c.markRepairing(ctx, current)
		c.invalidate(ctx, current.ID)
		c.logger.Error("Range has no reachable copies",
			zap.Uint64("range_id", uint64(current.ID)),
			zap.String("partition", current.Partition().String()),
			zap.Uint32s("unreachable", nodeIDs(unreachable)))
	case n < target:
		c.anomaly("under_replicated")
		c.markRepairing(ctx, current)
		for i := n; i < target; i++ {
			if err := c.addCopy(ctx, current.ID); err != nil {
				break
			}
		}
	case n > target:
		c.anomaly("over_replicated")
		c.retire(ctx, current.ID, live, n-target)
	}

	c.settle(ctx, r.ID, target)
}

// settle drops copies on unreachable nodes once enough live copies exist
// and reactivates a repaired range.
func (c *Checker) settle(ctx context.Context, id model.RangeID, target int) {
	r, err := c.index.Range(id)
	if err != nil {
		return
	}
	live, unreachable := c.classify(r)
	if len(live) < target {
		return
	}

	for _, cp := range unreachable {
		if _, err := c.index.RemoveCopy(ctx, id, cp.NodeID); err != nil {
			c.logger.Warn("Failed to drop replaced range copy",
				zap.Uint64("range_id", uint64(id)),
				zap.Uint32("node_id", uint32(cp.NodeID)),
				zap.Error(err))
			return
		}
		c.copiesRetired.Add(1)
		c.logger.Info("Dropped replaced range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("node_id", uint32(cp.NodeID)))
	}
	if len(unreachable) > 0 {
		c.invalidate(ctx, id)
	}

	if r.State == model.RangeStateRepairing {
		if _, err := c.index.SetState(ctx, id, model.RangeStateActive); err != nil {
			c.logger.Warn("Failed to reactivate range",
				zap.Uint64("range_id", uint64(id)),
				zap.Error(err))
		}
	}
}

// classify splits the copies of r into those on reachable nodes and those on
// nodes that are down or no longer registered.
func (c *Checker) classify(r *model.Range) (live, unreachable []model.Copy) {
	for _, cp := range r.Copies {
		node, ok := c.directory.Get(cp.NodeID)
		if ok && node.Status != model.NodeStatusDown {
			live = append(live, cp)
		} else {
			unreachable = append(unreachable, cp)
		}
	}
	return live, unreachable
}

// verifyCopy checks one copy. A copy on a down node is kept; it counts as
// unreachable until the node recovers or the copy is replaced. A copy whose
// node was removed or no longer holds the range is dropped, unless it is the
// last copy of the range. A failed presence check keeps the copy.
func (c *Checker) verifyCopy(ctx context.Context, id model.RangeID, cp model.Copy) {
	node, ok := c.directory.Get(cp.NodeID)
	switch {
	case !ok:
		c.anomaly("node_removed")
	case node.Status == model.NodeStatusDown:
		return
	default:
		vctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
		present, err := c.transport.HasRange(vctx, node, id)
		cancel()
		if err != nil {
			c.logger.Warn("Failed to verify range copy",
				zap.Uint64("range_id", uint64(id)),
				zap.Uint32("node_id", uint32(cp.NodeID)),
				zap.Error(err))
			return
		}
		if present {
			return
		}
		c.anomaly("missing_copy")
	}

	_, err := c.index.RemoveCopy(ctx, id, cp.NodeID)
	switch {
	case errors.Is(err, index.ErrLastCopy):
		c.logger.Warn("Keeping last known range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("node_id", uint32(cp.NodeID)),
			zap.Bool("node_known", ok))
	case err != nil:
		c.logger.Error("Failed to drop range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("node_id", uint32(cp.NodeID)),
			zap.Error(err))
	default:
		c.invalidate(ctx, id)
		c.logger.Warn("Dropped unavailable range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("node_id", uint32(cp.NodeID)),
			zap.Bool("node_known", ok))
	}
}

// addCopy reserves a target, copies the range to it without holding any
// index lock, then records the copy and confirms the reservation.
func (c *Checker) addCopy(ctx context.Context, id model.RangeID) error {
	start := time.Now()

	r, err := c.index.Range(id)
	if err != nil {
		return err
	}
	source, ok := c.sourceFor(r)
	if !ok {
		c.anomaly("no_source")
		return errors.New("no live source copy")
	}

	res, err := c.engine.GetStorageForCopy(id, r.Size, nil)
	if err != nil {
		c.metrics.RecordRepair("add_copy", time.Since(start).Seconds(), err)
		c.logger.Warn("No storage for range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Error(err))
		return err
	}
	target := res.Nodes[0]

	cctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	err = c.transport.CopyRange(cctx, source, target, id)
	cancel()
	if err == nil {
		_, err = c.index.AddCopy(ctx, id, target.ID)
	}
	if err != nil {
		if _, rbErr := c.engine.Rollback(res.ID); rbErr != nil {
			c.logger.Warn("Failed to roll back copy reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.Error(rbErr))
		}
		c.metrics.RecordRepair("add_copy", time.Since(start).Seconds(), err)
		c.logger.Error("Failed to add range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("source", uint32(source.ID)),
			zap.Uint32("target", uint32(target.ID)),
			zap.Error(err))
		return err
	}

	if _, err := c.engine.Confirm(res.ID); err != nil {
		// reaped while copying; the slots are already released
		c.logger.Warn("Copy reservation already released",
			zap.String("reservation_id", res.ID.String()),
			zap.Error(err))
	}
	c.copiesAdded.Add(1)
	c.metrics.RecordRepair("add_copy", time.Since(start).Seconds(), nil)
	c.logger.Info("Added range copy",
		zap.Uint64("range_id", uint64(id)),
		zap.Uint32("source", uint32(source.ID)),
		zap.Uint32("target", uint32(target.ID)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// retire removes excess live copies, taking secondaries on the most loaded
// nodes first.
func (c *Checker) retire(ctx context.Context, id model.RangeID, live []model.Copy, excess int) {
	type candidate struct {
		cp   model.Copy
		node model.StorageNode
	}
	candidates := make([]candidate, 0, len(live))
	for _, cp := range live {
		node, _ := c.directory.Get(cp.NodeID)
		candidates = append(candidates, candidate{cp: cp, node: node})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.cp.Role == model.ReplicaRolePrimary) != (b.cp.Role == model.ReplicaRolePrimary) {
			return b.cp.Role == model.ReplicaRolePrimary
		}
		if a.node.Used != b.node.Used {
			return a.node.Used > b.node.Used
		}
		return a.cp.NodeID < b.cp.NodeID
	})

	for _, cand := range candidates[:excess] {
		start := time.Now()
		if _, err := c.index.RemoveCopy(ctx, id, cand.cp.NodeID); err != nil {
			c.metrics.RecordRepair("retire_copy", time.Since(start).Seconds(), err)
			c.logger.Error("Failed to retire range copy",
				zap.Uint64("range_id", uint64(id)),
				zap.Uint32("node_id", uint32(cand.cp.NodeID)),
				zap.Error(err))
			return
		}
		c.invalidate(ctx, id)

		dctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
		if err := c.transport.DeleteRange(dctx, cand.node, id); err != nil {
			c.logger.Warn("Failed to delete retired copy",
				zap.Uint64("range_id", uint64(id)),
				zap.Uint32("node_id", uint32(cand.cp.NodeID)),
				zap.Error(err))
		}
		cancel()

		c.copiesRetired.Add(1)
		c.metrics.RecordRepair("retire_copy", time.Since(start).Seconds(), nil)
		c.logger.Info("Retired range copy",
			zap.Uint64("range_id", uint64(id)),
			zap.Uint32("node_id", uint32(cand.cp.NodeID)))
	}
}

func (c *Checker) markRepairing(ctx context.Context, r *model.Range) {
	if r.State == model.RangeStateRepairing {
		return
	}
	if _, err := c.index.SetState(ctx, r.ID, model.RangeStateRepairing); err != nil {
		c.logger.Warn("Failed to mark range repairing",
			zap.Uint64("range_id", uint64(r.ID)),
			zap.Error(err))
		return
	}
	r.State = model.RangeStateRepairing
}

// sourceFor picks the node to copy from, preferring the primary.
func (c *Checker) sourceFor(r *model.Range) (model.StorageNode, bool) {
	var fallback model.StorageNode
	found := false
	for _, cp := range r.Copies {
		node, ok := c.directory.Get(cp.NodeID)
		if !ok || node.Status == model.NodeStatusDown {
			continue
		}
		if cp.Role == model.ReplicaRolePrimary {
			return node, true
		}
		if !found {
			fallback, found = node, true
		}
	}
	return fallback, found
}

func (c *Checker) invalidate(ctx context.Context, id model.RangeID) {
	ictx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()
	c.invalidator.Invalidate(ictx, id)
}

func (c *Checker) anomaly(kind string) {
	c.anomalies.Add(1)
	c.metrics.RecordAnomaly(kind)
}

func nodeIDs(copies []model.Copy) []uint32 {
	ids := make([]uint32, 0, len(copies))
	for _, cp := range copies {
		ids = append(ids, uint32(cp.NodeID))
	}
	return ids
}
