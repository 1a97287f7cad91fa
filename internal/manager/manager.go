// Package manager composes the range index, cluster directory, placement
// engine, item cache and consistency checker behind the single API the
// front-ends use.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/cache"
	"github.com/bhyvex/metis/internal/checker"
	"github.com/bhyvex/metis/internal/cluster"
	"github.com/bhyvex/metis/internal/config"
	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/index"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
	"github.com/bhyvex/metis/internal/store"
)

// Dependencies are the external collaborators of the manager
type Dependencies struct {
	// Metadata holds the node registry and, unless Index is set, levels and
	// ranges
	Metadata store.MetadataStore
	// Index overrides where levels and ranges are persisted
	Index store.IndexStore
	// Headers is the optional header cache shared between managers
	Headers store.HeaderStore
	// Transport performs replica operations for the checker
	Transport checker.ReplicaTransport
	// Prober enables storage node health probing when set
	Prober cluster.Prober
}

// LocateResult describes where an item lives
type LocateResult struct {
	Header model.ItemHeader    `json:"header"`
	Range  *model.Range        `json:"range"`
	Nodes  []model.StorageNode `json:"nodes"`
	Cached bool                `json:"cached"`
}

// PutResult is the outcome of preparing a write
type PutResult struct {
	Range       *model.Range           `json:"range"`
	Created     bool                   `json:"created"`
	Reservation *placement.Reservation `json:"reservation"`
}

// Stats aggregates the state of all components
type Stats struct {
	Levels       int           `json:"levels"`
	Ranges       int           `json:"ranges"`
	Nodes        int           `json:"nodes"`
	NodesUp      int           `json:"nodes_up"`
	Reservations int           `json:"reservations"`
	Cache        cache.Stats   `json:"cache"`
	Checker      checker.Stats `json:"checker"`
}

// Manager is the composition root of the control plane.
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	metadata  store.MetadataStore
	headers   store.HeaderStore
	headerTTL time.Duration

	directory *cluster.Directory
	index     *index.Index
	engine    *placement.Engine
	cache     *cache.Cache
	checker   *checker.Checker
	health    *cluster.HealthMonitor

	// inline item bytes waiting for their put reservation to be confirmed
	staged *xsync.MapOf[uuid.UUID, stagedItem]

	lifecycleMu sync.Mutex
	runCtx      context.Context
	runCancel   context.CancelFunc
	scheduler   *Scheduler
	background  sync.WaitGroup
}

// New builds a manager from configuration. Nothing is loaded until LoadAll.
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if deps.Metadata == nil {
		return nil, apperrors.Configuration("metadata store is required", nil)
	}
	indexStore := deps.Index
	if indexStore == nil {
		indexStore = deps.Metadata
	}

	itemsPerRange, err := cfg.ItemsPerRange()
	if err != nil {
		return nil, apperrors.Configuration("invalid range sizing", err)
	}
	rangeSize, err := config.ParseSize(cfg.Index.RangeSize)
	if err != nil {
		return nil, apperrors.Configuration("invalid index.range_size", err)
	}
	headerBudget, contentBudget, err := cfg.Cache.Budgets()
	if err != nil {
		return nil, apperrors.Configuration("invalid cache sizing", err)
	}

	mgr := &Manager{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		metadata:  deps.Metadata,
		headers:   deps.Headers,
		headerTTL: cfg.Redis.HeaderTTL,
		staged:    xsync.NewMapOf[uuid.UUID, stagedItem](),
	}

	mgr.directory = cluster.NewDirectory(cfg.Placement.MaxConnectionPerStorage, logger.Named("directory"), m)
	mgr.engine = placement.NewEngine(mgr.directory, nil, placement.Config{
		MinimumCopies:  cfg.Placement.MinimumCopies,
		ReservationTTL: cfg.Placement.ReservationTTL,
	}, logger.Named("placement"), m)
	mgr.index = index.New(indexStore, index.Config{
		ItemsPerRange: itemsPerRange,
		RangeSize:     rangeSize,
		TargetCopies:  cfg.Placement.MinimumCopies,
	}, logger.Named("index"), m)
	mgr.engine.SetRangeLookup(mgr.index)

	mgr.cache = cache.New(cache.Config{
		HeaderBudget:   headerBudget,
		ContentBudget:  contentBudget,
		MinHitsToCache: cfg.Cache.MinHitsToCache,
		ItemsInLine:    cfg.Cache.ItemsInLine,
	}, logger.Named("cache"), m)

	if deps.Transport != nil {
		mgr.checker = checker.New(mgr.index, mgr.engine, mgr.directory, deps.Transport, rangeInvalidator{mgr}, checker.Config{
			RangesPerTick:     cfg.Checker.RangesPerTick,
			RepairConcurrency: cfg.Checker.RepairConcurrency,
			OperationTimeout:  cfg.Checker.OperationTimeout,
			SweepInterval:     cfg.Checker.SweepInterval,
		}, logger.Named("checker"), m)
	}
	if deps.Prober != nil && cfg.Health.Enabled {
		mgr.health = cluster.NewHealthMonitor(mgr.directory, deps.Prober, cluster.HealthMonitorConfig{
			Interval:    cfg.Health.Interval,
			Timeout:     cfg.Health.Timeout,
			MaxFailures: cfg.Health.MaxFailures,
			Concurrency: cfg.Health.Concurrency,
		}, logger.Named("health"), m)
	}

	logger.Info("Manager created",
		zap.Uint32("server_id", cfg.ServerID),
		zap.Uint64("items_per_range", itemsPerRange),
		zap.Uint64("header_cache_bytes", headerBudget),
		zap.Uint64("content_cache_bytes", contentBudget),
		zap.Int("minimum_copies", cfg.Placement.MinimumCopies))
	return mgr, nil
}

// LoadAll loads the storage node registry and then the range index.
func (m *Manager) LoadAll(ctx context.Context) error {
	if err := m.directory.Load(ctx, m.metadata); err != nil {
		return fmt.Errorf("failed to load cluster directory: %w", err)
	}
	if err := m.index.Load(ctx); err != nil {
		return fmt.Errorf("failed to load range index: %w", err)
	}
	m.refreshGauges()
	return nil
}

// AddLevel registers a new (level, sub-level)
func (m *Manager) AddLevel(ctx context.Context, level, subLevel uint32) (model.Level, error) {
	return m.index.AddLevel(ctx, level, subLevel)
}

// FindAndFill locates the range serving item without changing the cluster.
// The local cache is consulted first, then the shared header store, then
// the index.
func (m *Manager) FindAndFill(ctx context.Context, item model.ItemKey) (*LocateResult, error) {
	if h, ok := m.cache.Get(item); ok {
		if res, err := m.resolve(h, true); err == nil {
			return res, nil
		}
		m.cache.Remove(item)
	}

	if h := m.sharedHeader(ctx, item); h != nil {
		if res, err := m.resolve(*h, false); err == nil {
			m.cache.Put(*h)
			return res, nil
		}
	}

	r, err := m.index.FindAndFill(item)
	if err != nil {
		return nil, err
	}

	header := model.ItemHeader{Key: item, RangeID: r.ID, LastAccess: time.Now()}
	m.cache.Put(header)
	m.publishHeader(ctx, header)

	return &LocateResult{Header: header, Range: r, Nodes: m.nodesOf(r)}, nil
}

// FillAndAdd returns the range serving item, creating it when its partition
// has none.
func (m *Manager) FillAndAdd(ctx context.Context, item model.ItemKey) (*model.Range, bool, error) {
	return m.index.FillAndAdd(ctx, item, m.engine)
}

// PutItem prepares a write of size bytes: the item's range is found or
// created and MinimumCopies nodes are reserved for the transfer.
func (m *Manager) PutItem(ctx context.Context, item model.ItemKey, size uint64) (*PutResult, error) {
	r, created, err := m.FillAndAdd(ctx, item)
	if err != nil {
		return nil, err
	}
	res, err := m.GetPutStorages(r.ID, size)
	if err != nil {
		return nil, err
	}

	header := model.ItemHeader{Key: item, Size: size, RangeID: r.ID, LastAccess: time.Now()}
	m.cache.RecordHit(item)
	m.publishHeader(ctx, header)

	return &PutResult{Range: r, Created: created, Reservation: res}, nil
}

type stagedItem struct {
	header model.ItemHeader
	data   []byte
}

// StageItem keeps the bytes of an item being written under a put
// reservation. They are offered to the cache when the reservation is
// confirmed and dropped when it is rolled back or expires.
func (m *Manager) StageItem(reservationID uuid.UUID, header model.ItemHeader, data []byte) bool {
	res, ok := m.engine.Get(reservationID)
	if !ok || res.Kind != placement.KindPut {
		return false
	}
	m.staged.Store(reservationID, stagedItem{header: header, data: data})
	return true
}

// cacheItem offers a confirmed item to the cache. The bytes are kept when
// the header is admitted now or already resident from an earlier lookup.
func (m *Manager) cacheItem(item stagedItem) bool {
	m.cache.Put(item.header)
	return m.cache.PutContent(item.header.Key, item.data)
}

// dropStaleStaged forgets staged bytes whose reservation no longer exists.
func (m *Manager) dropStaleStaged() int {
	dropped := 0
	m.staged.Range(func(id uuid.UUID, _ stagedItem) bool {
		if _, ok := m.engine.Get(id); !ok {
			m.staged.Delete(id)
			dropped++
		}
		return true
	})
	return dropped
}

// GetPutStorages reserves MinimumCopies nodes for a write into rangeID
func (m *Manager) GetPutStorages(rangeID model.RangeID, size uint64) (*placement.Reservation, error) {
	return m.engine.GetPutStorages(rangeID, size)
}

// GetStorageForCopy reserves one node for an extra copy of rangeID
func (m *Manager) GetStorageForCopy(rangeID model.RangeID, size uint64, current []model.NodeID) (*placement.Reservation, error) {
	return m.engine.GetStorageForCopy(rangeID, size, current)
}

// ConfirmReservation completes a transfer. A confirmed put grows the range
// size estimate; a confirmed copy adds the new replica to the index.
func (m *Manager) ConfirmReservation(ctx context.Context, id uuid.UUID) (*placement.Reservation, error) {
	res, err := m.engine.Confirm(id)
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case placement.KindPut:
		m.index.RecordWrite(res.RangeID, res.Size)
		if item, ok := m.staged.LoadAndDelete(id); ok {
			m.cacheItem(item)
		}
	case placement.KindCopy:
		for _, n := range res.Nodes {
			if _, err := m.index.AddCopy(ctx, res.RangeID, n.ID); err != nil {
				return res, fmt.Errorf("failed to record copy of range %d on node %d: %w", res.RangeID, n.ID, err)
			}
		}
	}
	return res, nil
}

// RollbackReservation abandons a transfer and frees its connection slots
func (m *Manager) RollbackReservation(id uuid.UUID) (*placement.Reservation, error) {
	m.staged.Delete(id)
	return m.engine.Rollback(id)
}

// RegisterStorageNode persists and registers a new storage node
func (m *Manager) RegisterStorageNode(ctx context.Context, node model.StorageNode) error {
	if err := m.directory.Register(node); err != nil {
		return err
	}
	stored, _ := m.directory.Get(node.ID)
	if err := m.metadata.UpsertStorageNode(ctx, &stored); err != nil {
		_ = m.directory.Remove(node.ID)
		return fmt.Errorf("failed to persist storage node %d: %w", node.ID, err)
	}
	m.refreshGauges()
	return nil
}

// RemoveStorageNode unregisters a storage node. Its copies are dropped by
// the checker on the next sweep.
func (m *Manager) RemoveStorageNode(ctx context.Context, id model.NodeID) error {
	if err := m.metadata.RemoveStorageNode(ctx, id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to remove storage node %d: %w", id, err)
	}
	if err := m.directory.Remove(id); err != nil {
		return err
	}
	m.refreshGauges()
	return nil
}

// SetStorageNodeStatus overrides the health of a storage node
func (m *Manager) SetStorageNodeStatus(id model.NodeID, status model.NodeStatus) error {
	_, err := m.directory.SetStatus(id, status)
	m.refreshGauges()
	return err
}

// InvalidateRange drops cached headers of rangeID locally and in the shared
// header store.
func (m *Manager) InvalidateRange(ctx context.Context, id model.RangeID) int {
	n := m.cache.Invalidate(id)
	if m.headers != nil {
		if err := m.headers.InvalidateRange(ctx, id); err != nil {
			m.logger.Warn("Failed to invalidate shared headers",
				zap.Uint64("range_id", uint64(id)),
				zap.Error(err))
		}
	}
	return n
}

// Directory returns the cluster directory
func (m *Manager) Directory() *cluster.Directory { return m.directory }

// Index returns the range index
func (m *Manager) Index() *index.Index { return m.index }

// Cache returns the item cache
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Placement returns the placement engine
func (m *Manager) Placement() *placement.Engine { return m.engine }

// Checker returns the consistency checker, nil without a replica transport
func (m *Manager) Checker() *checker.Checker { return m.checker }

// Stats returns a snapshot of all component counters
func (m *Manager) Stats() Stats {
	s := Stats{
		Levels:       m.index.LevelCount(),
		Ranges:       m.index.Len(),
		Nodes:        len(m.directory.List()),
		NodesUp:      m.directory.UpCount(),
		Reservations: m.engine.Active(),
		Cache:        m.cache.Stats(),
	}
	if m.checker != nil {
		s.Checker = m.checker.Stats()
	}
	return s
}

// Ready reports whether the manager can serve placements: the metadata
// store answers and enough nodes are up to hold a new range.
func (m *Manager) Ready(ctx context.Context) error {
	if err := m.metadata.Ping(ctx); err != nil {
		return apperrors.Unavailable("metadata store unreachable", err)
	}
	if up, need := m.directory.UpCount(), m.engine.MinimumCopies(); up < need {
		return apperrors.Unavailable(fmt.Sprintf("%d storage nodes up, %d required", up, need), nil)
	}
	return nil
}

// StartRangesChecking starts the consistency checker
func (m *Manager) StartRangesChecking(ctx context.Context) {
	if m.checker == nil {
		m.logger.Warn("Range checking requested without a replica transport")
		return
	}
	m.checker.Start(ctx)
}

// Start launches the time thread and, when enabled, the checker.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.runCancel != nil {
		return
	}

	m.runCtx, m.runCancel = context.WithCancel(ctx)
	if m.config.Checker.Enabled {
		m.StartRangesChecking(m.runCtx)
	}
	m.scheduler = NewScheduler(m.config.TickInterval, m, m.logger.Named("scheduler"))
	m.scheduler.Start(m.runCtx)
}

// Stop stops the time thread, the checker and background probes.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	cancel, sched := m.runCancel, m.scheduler
	m.runCtx, m.runCancel, m.scheduler = nil, nil, nil
	m.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	sched.Stop()
	if m.checker != nil {
		m.checker.Stop()
	}
	cancel()
	m.background.Wait()
	m.logger.Info("Manager stopped")
}

// TimeTic is the periodic scheduling point. It never blocks on remote
// calls: the checker step and health probes run in the background.
func (m *Manager) TimeTic(now time.Time) {
	if m.checker != nil {
		m.checker.Tick(now)
	}

	m.cache.Maintain(now)

	if n := m.engine.ReapExpired(now); n > 0 {
		m.logger.Warn("Reaped expired reservations", zap.Int("count", n))
	}
	if n := m.dropStaleStaged(); n > 0 {
		m.logger.Debug("Dropped staged items of released reservations", zap.Int("count", n))
	}

	if m.health != nil {
		m.lifecycleMu.Lock()
		ctx := m.runCtx
		if ctx != nil {
			m.background.Add(1)
		}
		m.lifecycleMu.Unlock()

		if ctx != nil {
			go func() {
				defer m.background.Done()
				m.health.Tick(ctx, now)
			}()
		}
	}

	m.refreshGauges()
}

func (m *Manager) refreshGauges() {
	m.metrics.SetIndexSize(m.index.LevelCount(), m.index.Len())
	m.metrics.SetStorageNodesActive(m.directory.UpCount())
	m.metrics.SetActiveReservations(m.engine.Active())
}

func (m *Manager) resolve(h model.ItemHeader, cached bool) (*LocateResult, error) {
	r, err := m.index.Range(h.RangeID)
	if err != nil {
		return nil, err
	}
	if r.Partition() != m.index.PartitionOf(h.Key) {
		return nil, apperrors.NotFound("range for item", h.Key)
	}
	return &LocateResult{Header: h, Range: r, Nodes: m.nodesOf(r), Cached: cached}, nil
}

func (m *Manager) sharedHeader(ctx context.Context, item model.ItemKey) *model.ItemHeader {
	if m.headers == nil {
		return nil
	}
	h, err := m.headers.GetHeader(ctx, item)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			m.logger.Warn("Shared header lookup failed",
				zap.String("item", item.String()),
				zap.Error(err))
		}
		return nil
	}
	return h
}

func (m *Manager) publishHeader(ctx context.Context, h model.ItemHeader) {
	if m.headers == nil {
		return
	}
	if err := m.headers.PutHeader(ctx, &h, m.headerTTL); err != nil {
		m.logger.Warn("Failed to publish item header",
			zap.String("item", h.Key.String()),
			zap.Error(err))
	}
}

// nodesOf returns the directory entries of the copies of r, primary first.
func (m *Manager) nodesOf(r *model.Range) []model.StorageNode {
	nodes := make([]model.StorageNode, 0, len(r.Copies))
	for _, c := range r.Copies {
		if n, ok := m.directory.Get(c.NodeID); ok {
			if c.Role == model.ReplicaRolePrimary {
				nodes = append([]model.StorageNode{n}, nodes...)
				continue
			}
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// rangeInvalidator lets the checker drop cached headers of ranges whose
// copy set changed.
type rangeInvalidator struct {
	m *Manager
}

func (ri rangeInvalidator) Invalidate(ctx context.Context, id model.RangeID) int {
	return ri.m.InvalidateRange(ctx, id)
}
