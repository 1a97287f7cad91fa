package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

// MemoryMetadataStore is an in-process MetadataStore used for tests and
// single-node development setups.
type MemoryMetadataStore struct {
	mu       sync.RWMutex
	managers map[uint32]model.ManagerAddresses
	nodes    map[model.NodeID]model.StorageNode
	levels   map[model.LevelKey]model.Level
	ranges   map[model.RangeID]*model.Range
}

// NewMemoryMetadataStore creates an empty in-memory store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		managers: make(map[uint32]model.ManagerAddresses),
		nodes:    make(map[model.NodeID]model.StorageNode),
		levels:   make(map[model.LevelKey]model.Level),
		ranges:   make(map[model.RangeID]*model.Range),
	}
}

// PutManager registers the listen addresses of a manager
func (s *MemoryMetadataStore) PutManager(serverID uint32, addrs model.ManagerAddresses) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[serverID] = addrs
}

// GetManager returns the listen addresses of serverID
func (s *MemoryMetadataStore) GetManager(ctx context.Context, serverID uint32) (*model.ManagerAddresses, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs, ok := s.managers[serverID]
	if !ok {
		return nil, apperrors.NotFound("manager", serverID)
	}
	return &addrs, nil
}

// ListStorageNodes returns registered nodes ordered by id
func (s *MemoryMetadataStore) ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*model.StorageNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		n := n
		nodes = append(nodes, &n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpsertStorageNode stores a node
func (s *MemoryMetadataStore) UpsertStorageNode(ctx context.Context, node *model.StorageNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = *node
	return nil
}

// RemoveStorageNode deletes a node
func (s *MemoryMetadataStore) RemoveStorageNode(ctx context.Context, nodeID model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return apperrors.NotFound("storage node", nodeID)
	}
	delete(s.nodes, nodeID)
	return nil
}

// ListLevels returns all levels ordered by id
func (s *MemoryMetadataStore) ListLevels(ctx context.Context) ([]model.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	levels := make([]model.Level, 0, len(s.levels))
	for _, l := range s.levels {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].ID < levels[j].ID })
	return levels, nil
}

// SaveLevel inserts a level
func (s *MemoryMetadataStore) SaveLevel(ctx context.Context, level model.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[level.Key()]; ok {
		return apperrors.DuplicateLevel(level.Level, level.SubLevel)
	}
	s.levels[level.Key()] = level
	return nil
}

// ListRanges returns all ranges ordered by id
func (s *MemoryMetadataStore) ListRanges(ctx context.Context) ([]*model.Range, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranges := make([]*model.Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		ranges = append(ranges, r.Clone())
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].ID < ranges[j].ID })
	return ranges, nil
}

// SaveRange inserts or replaces a range
func (s *MemoryMetadataStore) SaveRange(ctx context.Context, r *model.Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := r.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.ranges[r.ID] = c
	return nil
}

// Ping always succeeds
func (s *MemoryMetadataStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryMetadataStore) Close() {}

// MemoryHeaderStore is an in-process HeaderStore. Entries never expire.
type MemoryHeaderStore struct {
	mu      sync.RWMutex
	headers map[model.ItemKey]model.ItemHeader
}

// NewMemoryHeaderStore creates an empty header store
func NewMemoryHeaderStore() *MemoryHeaderStore {
	return &MemoryHeaderStore{headers: make(map[model.ItemKey]model.ItemHeader)}
}

// GetHeader returns a stored header
func (s *MemoryHeaderStore) GetHeader(ctx context.Context, key model.ItemKey) (*model.ItemHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[key]
	if !ok {
		return nil, apperrors.NotFound("item header", key)
	}
	return &h, nil
}

// PutHeader stores a header
func (s *MemoryHeaderStore) PutHeader(ctx context.Context, header *model.ItemHeader, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[header.Key] = *header
	return nil
}

// InvalidateRange drops all headers pointing at rangeID
func (s *MemoryHeaderStore) InvalidateRange(ctx context.Context, rangeID model.RangeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, h := range s.headers {
		if h.RangeID == rangeID {
			delete(s.headers, k)
		}
	}
	return nil
}

// Ping always succeeds
func (s *MemoryHeaderStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryHeaderStore) Close() error {
	return nil
}
