// Package placement chooses storage nodes for new ranges and extra copies
// and accounts the connection slots those transfers hold.
package placement

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/cluster"
	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
)

// reserveAttempts bounds retries when a snapshot goes stale between
// selection and reservation.
const reserveAttempts = 3

// RangeLookup resolves ranges by id
type RangeLookup interface {
	Range(id model.RangeID) (*model.Range, error)
}

// Config holds placement parameters
type Config struct {
	MinimumCopies  int
	ReservationTTL time.Duration
}

// Engine selects nodes greedily over a cluster snapshot in load order.
type Engine struct {
	directory *cluster.Directory
	ranges    RangeLookup
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu           sync.Mutex
	reservations map[uuid.UUID]*Reservation
}

// NewEngine creates a placement engine
func NewEngine(directory *cluster.Directory, ranges RangeLookup, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if cfg.MinimumCopies <= 0 {
		cfg.MinimumCopies = 1
	}
	return &Engine{
		directory:    directory,
		ranges:       ranges,
		config:       cfg,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		reservations: make(map[uuid.UUID]*Reservation),
	}
}

// SetRangeLookup sets the range source. It must be called before the engine
// is used when the index is built after the engine.
func (e *Engine) SetRangeLookup(ranges RangeLookup) {
	e.ranges = ranges
}

// MinimumCopies returns the number of nodes a put is spread over
func (e *Engine) MinimumCopies() int {
	return e.config.MinimumCopies
}

// SelectForNewRange picks the initial copy set of a new range without
// reserving anything. The first node holds the primary copy.
func (e *Engine) SelectForNewRange(size uint64) ([]model.Copy, error) {
	eligible := e.directory.EligibleNodes(nil, size)
	if len(eligible) < e.config.MinimumCopies {
		e.metrics.RecordCapacityFailure("new_range")
		return nil, apperrors.InsufficientCapacity(e.config.MinimumCopies, len(eligible))
	}

	copies := make([]model.Copy, 0, e.config.MinimumCopies)
	for i, n := range eligible[:e.config.MinimumCopies] {
		role := model.ReplicaRoleSecondary
		if i == 0 {
			role = model.ReplicaRolePrimary
		}
		copies = append(copies, model.Copy{NodeID: n.ID, Role: role})
	}
	return copies, nil
}

// GetPutStorages reserves exactly MinimumCopies distinct nodes to receive a
// write of size bytes into rangeID. When the range is known its copy holders
// are used; otherwise the least loaded eligible nodes are. Nothing is
// reserved on failure.
func (e *Engine) GetPutStorages(rangeID model.RangeID, size uint64) (*Reservation, error) {
	res, err := e.reserve(KindPut, rangeID, size, func(snapshot model.ClusterSnapshot) ([]model.StorageNode, error) {
		eligible := cluster.FilterEligible(snapshot, nil, size)

		if r, err := e.lookup(rangeID); err != nil {
			return nil, err
		} else if r != nil {
			eligible = holders(eligible, r)
		}

		if len(eligible) < e.config.MinimumCopies {
			return nil, apperrors.InsufficientCapacity(e.config.MinimumCopies, len(eligible))
		}
		return eligible[:e.config.MinimumCopies], nil
	})
	e.metrics.RecordPlacement(string(KindPut), err)
	return res, err
}

// GetStorageForCopy reserves one node that holds no copy of rangeID and is
// not listed in current.
func (e *Engine) GetStorageForCopy(rangeID model.RangeID, size uint64, current []model.NodeID) (*Reservation, error) {
	res, err := e.reserve(KindCopy, rangeID, size, func(snapshot model.ClusterSnapshot) ([]model.StorageNode, error) {
		exclude := append([]model.NodeID(nil), current...)
		if r, err := e.lookup(rangeID); err != nil {
			return nil, err
		} else if r != nil {
			exclude = append(exclude, r.NodeIDs()...)
		}

		eligible := cluster.FilterEligible(snapshot, exclude, size)
		if len(eligible) == 0 {
			return nil, apperrors.InsufficientCapacity(1, 0)
		}
		return eligible[:1], nil
	})
	e.metrics.RecordPlacement(string(KindCopy), err)
	return res, err
}

type selectFunc func(snapshot model.ClusterSnapshot) ([]model.StorageNode, error)

// reserve runs selection over a fresh snapshot and takes the slots. A slot
// taken by a concurrent caller between the two steps triggers a retry.
func (e *Engine) reserve(kind Kind, rangeID model.RangeID, size uint64, sel selectFunc) (*Reservation, error) {
	var lastErr error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		nodes, err := sel(e.directory.Snapshot())
		if err != nil {
			if errors.Is(err, apperrors.ErrInsufficientCapacity) {
				e.metrics.RecordCapacityFailure(string(kind))
			}
			return nil, err
		}

		ids := make([]model.NodeID, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}

		if err := e.directory.Reserve(ids); err != nil {
			lastErr = err
			e.logger.Debug("Reservation raced, retrying",
				zap.String("kind", string(kind)),
				zap.Uint64("range_id", uint64(rangeID)),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		res := &Reservation{
			ID:        uuid.New(),
			RangeID:   rangeID,
			Kind:      kind,
			Size:      size,
			Nodes:     nodes,
			CreatedAt: e.now(),
		}
		for i := range res.Nodes {
			res.Nodes[i].OpenConnections++
		}

		e.mu.Lock()
		e.reservations[res.ID] = res
		active := len(e.reservations)
		e.mu.Unlock()
		e.metrics.SetActiveReservations(active)

		e.logger.Debug("Reserved storage nodes",
			zap.String("reservation_id", res.ID.String()),
			zap.String("kind", string(kind)),
			zap.Uint64("range_id", uint64(rangeID)),
			zap.Uint64("size", size))
		return res.clone(), nil
	}

	e.metrics.RecordCapacityFailure(string(kind))
	return nil, apperrors.NewManagerError(apperrors.ErrCodeInsufficientCapacity,
		fmt.Sprintf("could not reserve %s storage for range %d", kind, rangeID), lastErr)
}

// Confirm completes a reservation and returns its slots.
func (e *Engine) Confirm(id uuid.UUID) (*Reservation, error) {
	res, err := e.take(id)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Reservation confirmed",
		zap.String("reservation_id", id.String()),
		zap.Uint64("range_id", uint64(res.RangeID)))
	return res, nil
}

// Rollback abandons a reservation and returns its slots.
func (e *Engine) Rollback(id uuid.UUID) (*Reservation, error) {
	res, err := e.take(id)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Reservation rolled back",
		zap.String("reservation_id", id.String()),
		zap.Uint64("range_id", uint64(res.RangeID)))
	return res, nil
}

// Get returns an outstanding reservation
func (e *Engine) Get(id uuid.UUID) (*Reservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[id]
	if !ok {
		return nil, false
	}
	return res.clone(), true
}

// ReapExpired rolls back reservations older than the reservation TTL.
func (e *Engine) ReapExpired(now time.Time) int {
	if e.config.ReservationTTL <= 0 {
		return 0
	}

	var expired []*Reservation
	e.mu.Lock()
	for id, res := range e.reservations {
		if now.Sub(res.CreatedAt) >= e.config.ReservationTTL {
			expired = append(expired, res)
			delete(e.reservations, id)
		}
	}
	active := len(e.reservations)
	e.mu.Unlock()

	for _, res := range expired {
		e.directory.Release(res.NodeIDs())
		e.logger.Warn("Reservation expired",
			zap.String("reservation_id", res.ID.String()),
			zap.String("kind", string(res.Kind)),
			zap.Uint64("range_id", uint64(res.RangeID)),
			zap.Duration("age", now.Sub(res.CreatedAt)))
	}
	e.metrics.SetActiveReservations(active)
	return len(expired)
}

// Active returns the number of outstanding reservations
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reservations)
}

func (e *Engine) take(id uuid.UUID) (*Reservation, error) {
	e.mu.Lock()
	res, ok := e.reservations[id]
	if ok {
		delete(e.reservations, id)
	}
	active := len(e.reservations)
	e.mu.Unlock()

	if !ok {
		return nil, apperrors.NotFound("reservation", id)
	}
	e.directory.Release(res.NodeIDs())
	e.metrics.SetActiveReservations(active)
	return res, nil
}

// lookup returns nil without error for ranges that do not exist yet.
func (e *Engine) lookup(id model.RangeID) (*model.Range, error) {
	if e.ranges == nil {
		return nil, nil
	}
	r, err := e.ranges.Range(id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// holders keeps the eligible nodes that hold a copy of r, in load order.
func holders(eligible []model.StorageNode, r *model.Range) []model.StorageNode {
	out := make([]model.StorageNode, 0, len(eligible))
	for _, n := range eligible {
		if r.HasNode(n.ID) {
			out = append(out, n)
		}
	}
	return out
}
