// Package index maps items to ranges. Items are grouped into levels
// (level, sub-level) and each level is cut into fixed-width partitions of
// item ids; every partition is served by at most one range.
package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/store"
)

const partitionStripes = 64

// ErrLastCopy is the cause of a refused removal of the only copy of a range
var ErrLastCopy = errors.New("last copy of range")

// NodeSelector picks the initial copy set for a new range. It must not
// reserve connections.
type NodeSelector interface {
	SelectForNewRange(size uint64) ([]model.Copy, error)
}

// Config holds index parameters
type Config struct {
	// ItemsPerRange is the width of one partition in item ids
	ItemsPerRange uint64
	// RangeSize is the size estimate used when selecting nodes for a new range
	RangeSize uint64
	// TargetCopies is the replication target of new ranges
	TargetCopies int
}

type rangeEntry struct {
	mu sync.Mutex
	r  *model.Range
}

// Index is the in-memory range index backed by an IndexStore.
type Index struct {
	store   store.IndexStore
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	levelsMu    sync.RWMutex
	levels      map[model.LevelKey]model.Level
	nextLevelID model.LevelID

	ranges     *xsync.MapOf[model.RangeID, *rangeEntry]
	partitions *xsync.MapOf[model.PartitionKey, model.RangeID]

	orderMu sync.RWMutex
	order   *treemap.Map

	stripes     [partitionStripes]sync.Mutex
	nextRangeID atomic.Uint64
}

// New creates an empty index
func New(s store.IndexStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Index {
	if cfg.ItemsPerRange == 0 {
		cfg.ItemsPerRange = 1
	}
	return &Index{
		store:       s,
		config:      cfg,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		levels:      make(map[model.LevelKey]model.Level),
		nextLevelID: 1,
		ranges:      xsync.NewMapOf[model.RangeID, *rangeEntry](),
		partitions:  xsync.NewMapOf[model.PartitionKey, model.RangeID](),
		order:       treemap.NewWith(utils.UInt64Comparator),
	}
}

// Load reads levels and ranges from the store. It is called once, on an
// empty index, before the index is shared.
func (ix *Index) Load(ctx context.Context) error {
	levels, err := ix.store.ListLevels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load levels: %w", err)
	}
	ranges, err := ix.store.ListRanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ranges: %w", err)
	}

	ix.levelsMu.Lock()
	for _, l := range levels {
		ix.levels[l.Key()] = l
		if l.ID >= ix.nextLevelID {
			ix.nextLevelID = l.ID + 1
		}
	}
	ix.levelsMu.Unlock()

	var maxID model.RangeID
	retargeted := 0
	for _, r := range ranges {
		// persisted with the next change of the range
		if ix.config.TargetCopies > 0 && r.TargetCopies != ix.config.TargetCopies {
			r.TargetCopies = ix.config.TargetCopies
			retargeted++
		}
		ix.insert(r)
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	ix.nextRangeID.Store(uint64(maxID))

	ix.metrics.SetIndexSize(len(levels), len(ranges))
	ix.logger.Info("Loaded range index",
		zap.Int("levels", len(levels)),
		zap.Int("ranges", len(ranges)),
		zap.Int("retargeted", retargeted))
	return nil
}

// AddLevel registers a new level. Level ids are assigned monotonically and
// are never reused, even when persisting fails.
func (ix *Index) AddLevel(ctx context.Context, level, subLevel uint32) (model.Level, error) {
	key := model.LevelKey{Level: level, SubLevel: subLevel}

	ix.levelsMu.Lock()
	defer ix.levelsMu.Unlock()

	if _, exists := ix.levels[key]; exists {
		return model.Level{}, apperrors.DuplicateLevel(level, subLevel)
	}

	l := model.Level{
		ID:        ix.nextLevelID,
		Level:     level,
		SubLevel:  subLevel,
		CreatedAt: ix.now(),
	}
	ix.nextLevelID++

	if err := ix.store.SaveLevel(ctx, l); err != nil {
		return model.Level{}, fmt.Errorf("failed to persist level %s: %w", key, err)
	}
	ix.levels[key] = l

	ix.metrics.SetIndexSize(len(ix.levels), ix.ranges.Size())
	ix.logger.Info("Added level",
		zap.Uint32("level_id", uint32(l.ID)),
		zap.Uint32("level", level),
		zap.Uint32("sub_level", subLevel))
	return l, nil
}

// HasLevel reports whether the level exists
func (ix *Index) HasLevel(key model.LevelKey) bool {
	ix.levelsMu.RLock()
	defer ix.levelsMu.RUnlock()
	_, ok := ix.levels[key]
	return ok
}

// Levels returns all levels ordered by id
func (ix *Index) Levels() []model.Level {
	ix.levelsMu.RLock()
	defer ix.levelsMu.RUnlock()
	levels := make([]model.Level, 0, len(ix.levels))
	for _, l := range ix.levels {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ID < levels[j].ID })
	return levels
}

// PartitionOf returns the partition an item belongs to
func (ix *Index) PartitionOf(item model.ItemKey) model.PartitionKey {
	return model.PartitionKey{
		Level:    item.Level,
		SubLevel: item.SubLevel,
		Index:    item.ID / ix.config.ItemsPerRange,
	}
}

// FindAndFill resolves the range serving item without changing anything.
func (ix *Index) FindAndFill(item model.ItemKey) (*model.Range, error) {
	if !ix.HasLevel(item.LevelKey()) {
		return nil, apperrors.NotFound("level", item.LevelKey())
	}
	pk := ix.PartitionOf(item)
	id, ok := ix.partitions.Load(pk)
	if !ok {
		return nil, apperrors.NotFound("range for partition", pk)
	}
	return ix.Range(id)
}

// FillAndAdd resolves the range serving item, creating it when the partition
// has none. Exactly one concurrent caller creates the range; wasAdded
// reports whether this call did.
func (ix *Index) FillAndAdd(ctx context.Context, item model.ItemKey, sel NodeSelector) (*model.Range, bool, error) {
	r, err := ix.FindAndFill(item)
	if err == nil {
		return r, false, nil
	}
	if !ix.HasLevel(item.LevelKey()) {
		return nil, false, err
	}

	pk := ix.PartitionOf(item)
	stripe := ix.stripe(pk)
	stripe.Lock()
	defer stripe.Unlock()

	if id, ok := ix.partitions.Load(pk); ok {
		r, err := ix.Range(id)
		return r, false, err
	}

	copies, err := sel.SelectForNewRange(ix.config.RangeSize)
	if err != nil {
		return nil, false, err
	}

	now := ix.now()
	created := &model.Range{
		ID:           model.RangeID(ix.nextRangeID.Add(1)),
		Level:        pk.Level,
		SubLevel:     pk.SubLevel,
		Index:        pk.Index,
		Copies:       copies,
		TargetCopies: ix.config.TargetCopies,
		State:        model.RangeStateActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := ix.store.SaveRange(ctx, created); err != nil {
		return nil, false, fmt.Errorf("failed to persist range for partition %s: %w", pk, err)
	}
	ix.insert(created)

	ix.metrics.RecordRangeCreate()
	ix.logger.Debug("Created range",
		zap.Uint64("range_id", uint64(created.ID)),
		zap.Stringer("partition", pk),
		zap.Uint32s("nodes", nodeIDs(copies)))
	return created.Clone(), true, nil
}

// Range returns a copy of one range
func (ix *Index) Range(id model.RangeID) (*model.Range, error) {
	e, ok := ix.ranges.Load(id)
	if !ok {
		return nil, apperrors.NotFound("range", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.Clone(), nil
}

// Len returns the number of ranges
func (ix *Index) Len() int {
	return ix.ranges.Size()
}

// LevelCount returns the number of levels
func (ix *Index) LevelCount() int {
	ix.levelsMu.RLock()
	defer ix.levelsMu.RUnlock()
	return len(ix.levels)
}

// Scan returns up to limit ranges with ids greater than after, in id order.
func (ix *Index) Scan(after model.RangeID, limit int) []*model.Range {
	ids := make([]model.RangeID, 0, limit)

	ix.orderMu.RLock()
	next := uint64(after) + 1
	for len(ids) < limit && next != 0 {
		k, _ := ix.order.Ceiling(next)
		if k == nil {
			break
		}
		id := k.(uint64)
		ids = append(ids, model.RangeID(id))
		next = id + 1
	}
	ix.orderMu.RUnlock()

	ranges := make([]*model.Range, 0, len(ids))
	for _, id := range ids {
		if r, err := ix.Range(id); err == nil {
			ranges = append(ranges, r)
		}
	}
	return ranges
}

// AddCopy records a new replica of a range on nodeID. A range never holds
// two copies on one node. An ACTIVE range never holds more copies than its
// target; a REPAIRING range may, while copies on unreachable nodes are
// replaced.
func (ix *Index) AddCopy(ctx context.Context, id model.RangeID, nodeID model.NodeID) (*model.Range, error) {
	return ix.mutate(ctx, id, func(r *model.Range) error {
		if r.HasNode(nodeID) {
			return apperrors.InvalidArgument(fmt.Sprintf("range %d already has a copy on node %d", id, nodeID), nil)
		}
		if r.State != model.RangeStateRepairing && len(r.Copies) >= r.TargetCopies {
			return apperrors.InvalidArgument(fmt.Sprintf("range %d already has %d of %d copies", id, len(r.Copies), r.TargetCopies), nil)
		}
		role := model.ReplicaRoleSecondary
		if _, ok := r.Primary(); !ok {
			role = model.ReplicaRolePrimary
		}
		r.Copies = append(r.Copies, model.Copy{NodeID: nodeID, Role: role})
		return nil
	})
}

// RemoveCopy drops the replica on nodeID. When the primary is removed the
// first remaining copy is promoted. The last copy of a range is never
// removed.
func (ix *Index) RemoveCopy(ctx context.Context, id model.RangeID, nodeID model.NodeID) (*model.Range, error) {
	return ix.mutate(ctx, id, func(r *model.Range) error {
		if len(r.Copies) == 1 && r.Copies[0].NodeID == nodeID {
			return apperrors.InvalidArgument(fmt.Sprintf("range %d keeps its copy on node %d", id, nodeID), ErrLastCopy)
		}
		pos := -1
		for i, c := range r.Copies {
			if c.NodeID == nodeID {
				pos = i
				break
			}
		}
		if pos < 0 {
			return apperrors.NotFound("copy on node", nodeID)
		}
		removed := r.Copies[pos]
		r.Copies = append(r.Copies[:pos], r.Copies[pos+1:]...)
		if removed.Role == model.ReplicaRolePrimary && len(r.Copies) > 0 {
			r.Copies[0].Role = model.ReplicaRolePrimary
		}
		return nil
	})
}

// SetState changes the lifecycle state of a range
func (ix *Index) SetState(ctx context.Context, id model.RangeID, state model.RangeState) (*model.Range, error) {
	return ix.mutate(ctx, id, func(r *model.Range) error {
		r.State = state
		return nil
	})
}

// SetTargetCopies changes the replication target of a range
func (ix *Index) SetTargetCopies(ctx context.Context, id model.RangeID, target int) (*model.Range, error) {
	if target <= 0 {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("invalid target copies %d", target), nil)
	}
	return ix.mutate(ctx, id, func(r *model.Range) error {
		r.TargetCopies = target
		return nil
	})
}

// RecordWrite grows the size estimate of a range. The estimate is kept in
// memory and persisted with the next structural change.
func (ix *Index) RecordWrite(id model.RangeID, bytes uint64) {
	e, ok := ix.ranges.Load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.r.Size += bytes
	e.mu.Unlock()
}

// mutate applies fn to a copy of the range, persists it and publishes it.
// On any error the published range is left untouched.
func (ix *Index) mutate(ctx context.Context, id model.RangeID, fn func(r *model.Range) error) (*model.Range, error) {
	e, ok := ix.ranges.Load(id)
	if !ok {
		return nil, apperrors.NotFound("range", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.r.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = ix.now()
	if err := ix.store.SaveRange(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist range %d: %w", id, err)
	}
	e.r = next
	return next.Clone(), nil
}

func (ix *Index) insert(r *model.Range) {
	ix.ranges.Store(r.ID, &rangeEntry{r: r.Clone()})
	ix.partitions.Store(r.Partition(), r.ID)

	ix.orderMu.Lock()
	ix.order.Put(uint64(r.ID), struct{}{})
	ix.orderMu.Unlock()
}

func (ix *Index) stripe(pk model.PartitionKey) *sync.Mutex {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], pk.Level)
	binary.LittleEndian.PutUint32(buf[4:], pk.SubLevel)
	binary.LittleEndian.PutUint64(buf[8:], pk.Index)
	return &ix.stripes[xxhash.Sum64(buf[:])%partitionStripes]
}

// IsNotFound reports whether err is a lookup miss
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}

func nodeIDs(copies []model.Copy) []uint32 {
	ids := make([]uint32, 0, len(copies))
	for _, c := range copies {
		ids = append(ids, uint32(c.NodeID))
	}
	return ids
}
