// Package cluster keeps the registry of storage nodes known to the manager:
// identity, address, connection accounting, capacity and health.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/store"
)

// Directory is the authoritative registry of storage nodes.
//
// Registry changes and connection counter updates take the write lock, so a
// reservation either sees a node or it does not. Every value returned is a
// copy; callers never alias registry state.
type Directory struct {
	mu                      sync.RWMutex
	nodes                   map[model.NodeID]*model.StorageNode
	maxConnectionPerStorage int
	logger                  *zap.Logger
	metrics                 *metrics.Metrics
	now                     func() time.Time
}

// NewDirectory creates an empty directory. maxConnectionPerStorage caps the
// open connections of every node on top of the node's own limit.
func NewDirectory(maxConnectionPerStorage int, logger *zap.Logger, m *metrics.Metrics) *Directory {
	return &Directory{
		nodes:                   make(map[model.NodeID]*model.StorageNode),
		maxConnectionPerStorage: maxConnectionPerStorage,
		logger:                  logger,
		metrics:                 m,
		now:                     time.Now,
	}
}

// Load replaces the registry with the nodes persisted in the metadata store.
func (d *Directory) Load(ctx context.Context, s store.MetadataStore) error {
	nodes, err := s.ListStorageNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load storage nodes: %w", err)
	}

	d.mu.Lock()
	d.nodes = make(map[model.NodeID]*model.StorageNode, len(nodes))
	for _, n := range nodes {
		c := *n
		c.OpenConnections = 0
		d.nodes[c.ID] = &c
	}
	up := d.upCountLocked()
	d.mu.Unlock()

	d.metrics.SetStorageNodesActive(up)
	d.logger.Info("Loaded storage nodes",
		zap.Int("count", len(nodes)),
		zap.Int("up", up))
	return nil
}

// Register adds a node that is not yet known.
func (d *Directory) Register(node model.StorageNode) error {
	if node.Host == "" || node.Port <= 0 {
		return apperrors.InvalidArgument(fmt.Sprintf("storage node %d has no address", node.ID), nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[node.ID]; exists {
		return apperrors.InvalidArgument(fmt.Sprintf("storage node %d already registered", node.ID), nil)
	}
	if node.Status == "" {
		node.Status = model.NodeStatusUp
	}
	node.OpenConnections = 0
	node.UpdatedAt = d.now()
	d.nodes[node.ID] = &node

	d.logger.Info("Registered storage node",
		zap.Uint32("node_id", uint32(node.ID)),
		zap.String("addr", node.Addr()))
	return nil
}

// Upsert registers a node or refreshes its address, limits and capacity.
// Open connection counters of a known node are preserved.
func (d *Directory) Upsert(node model.StorageNode) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.nodes[node.ID]; ok {
		node.OpenConnections = existing.OpenConnections
		if node.Status == "" {
			node.Status = existing.Status
		}
	} else if node.Status == "" {
		node.Status = model.NodeStatusUp
	}
	node.UpdatedAt = d.now()
	d.nodes[node.ID] = &node
}

// Remove deletes a node from the registry.
func (d *Directory) Remove(id model.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return apperrors.NotFound("storage node", id)
	}
	delete(d.nodes, id)

	d.logger.Info("Removed storage node",
		zap.Uint32("node_id", uint32(id)),
		zap.Int("open_connections", n.OpenConnections))
	return nil
}

// SetStatus updates the health of a node. It returns the previous status.
func (d *Directory) SetStatus(id model.NodeID, status model.NodeStatus) (model.NodeStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return "", apperrors.NotFound("storage node", id)
	}
	prev := n.Status
	n.Status = status
	n.UpdatedAt = d.now()

	if prev != status {
		d.logger.Info("Storage node status changed",
			zap.Uint32("node_id", uint32(id)),
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
	}
	return prev, nil
}

// UpdateCapacity records the capacity and usage reported by a node.
func (d *Directory) UpdateCapacity(id model.NodeID, capacity, used uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return apperrors.NotFound("storage node", id)
	}
	n.Capacity = capacity
	n.Used = used
	n.UpdatedAt = d.now()
	return nil
}

// Get returns a copy of one node.
func (d *Directory) Get(id model.NodeID) (model.StorageNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.nodes[id]
	if !ok {
		return model.StorageNode{}, false
	}
	return d.viewLocked(n), true
}

// List returns copies of all nodes ordered by id.
func (d *Directory) List() []model.StorageNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked()
}

// Snapshot returns an immutable view for one placement decision. Node
// MaxConnections carry the effective connection limit.
func (d *Directory) Snapshot() model.ClusterSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return model.ClusterSnapshot{Nodes: d.listLocked(), TakenAt: d.now()}
}

// UpCount returns the number of nodes in status up.
func (d *Directory) UpCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.upCountLocked()
}

// EligibleNodes returns nodes that can take a new replica of minFree bytes,
// excluding the given ids, in placement order.
func (d *Directory) EligibleNodes(exclude []model.NodeID, minFree uint64) []model.StorageNode {
	return FilterEligible(d.Snapshot(), exclude, minFree)
}

// Reserve takes one connection slot on every node in ids. Either all slots
// are taken or none.
func (d *Directory) Reserve(ids []model.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[model.NodeID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return apperrors.InvalidArgument(fmt.Sprintf("storage node %d reserved twice", id), nil)
		}
		seen[id] = struct{}{}

		n, ok := d.nodes[id]
		if !ok {
			return apperrors.NotFound("storage node", id)
		}
		if !n.IsUp() {
			return apperrors.Unavailable(fmt.Sprintf("storage node %d is %s", id, n.Status), nil)
		}
		if n.OpenConnections >= d.limitLocked(n) {
			return apperrors.NodeAtCapacity(uint32(id))
		}
	}

	for _, id := range ids {
		d.nodes[id].OpenConnections++
	}
	return nil
}

// Release returns one connection slot on every node in ids. Unknown nodes
// and counters already at zero are ignored.
func (d *Directory) Release(ids []model.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		n, ok := d.nodes[id]
		if !ok {
			continue
		}
		if n.OpenConnections == 0 {
			d.logger.Warn("Release without reservation",
				zap.Uint32("node_id", uint32(id)))
			continue
		}
		n.OpenConnections--
	}
}

// ConnectionLimit returns the effective connection limit of a node.
func (d *Directory) ConnectionLimit(id model.NodeID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return 0
	}
	return d.limitLocked(n)
}

func (d *Directory) limitLocked(n *model.StorageNode) int {
	if n.MaxConnections > 0 && n.MaxConnections < d.maxConnectionPerStorage {
		return n.MaxConnections
	}
	return d.maxConnectionPerStorage
}

func (d *Directory) viewLocked(n *model.StorageNode) model.StorageNode {
	v := *n
	v.MaxConnections = d.limitLocked(n)
	return v
}

func (d *Directory) listLocked() []model.StorageNode {
	nodes := make([]model.StorageNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, d.viewLocked(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (d *Directory) upCountLocked() int {
	count := 0
	for _, n := range d.nodes {
		if n.IsUp() {
			count++
		}
	}
	return count
}

// FilterEligible selects the nodes of a snapshot that are up, below their
// connection limit, have at least minFree bytes free and are not excluded.
// The result is ordered by (open connections asc, free bytes desc, id asc).
func FilterEligible(snapshot model.ClusterSnapshot, exclude []model.NodeID, minFree uint64) []model.StorageNode {
	skip := make(map[model.NodeID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	eligible := make([]model.StorageNode, 0, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		if _, ok := skip[n.ID]; ok {
			continue
		}
		if !n.IsUp() || n.OpenConnections >= n.MaxConnections || n.FreeBytes() < minFree {
			continue
		}
		eligible = append(eligible, n)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.OpenConnections != b.OpenConnections {
			return a.OpenConnections < b.OpenConnections
		}
		if a.FreeBytes() != b.FreeBytes() {
			return a.FreeBytes() > b.FreeBytes()
		}
		return a.ID < b.ID
	})
	return eligible
}
