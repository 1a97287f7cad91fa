package store

import (
	"context"
	"time"

	"github.com/bhyvex/metis/internal/model"
)

// IndexStore persists levels and ranges of the range index.
type IndexStore interface {
	// ListLevels returns all levels ordered by id
	ListLevels(ctx context.Context) ([]model.Level, error)
	// SaveLevel inserts a level, failing with a DuplicateLevel error when
	// (level, sub-level) is already present
	SaveLevel(ctx context.Context, level model.Level) error
	// ListRanges returns all ranges with their copies
	ListRanges(ctx context.Context) ([]*model.Range, error)
	// SaveRange inserts or replaces a range and its copy set
	SaveRange(ctx context.Context, r *model.Range) error
}

// MetadataStore interface for bootstrap, node registry and index metadata
type MetadataStore interface {
	IndexStore

	// Manager bootstrap
	GetManager(ctx context.Context, serverID uint32) (*model.ManagerAddresses, error)

	// Storage node operations
	ListStorageNodes(ctx context.Context) ([]*model.StorageNode, error)
	UpsertStorageNode(ctx context.Context, node *model.StorageNode) error
	RemoveStorageNode(ctx context.Context, nodeID model.NodeID) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// HeaderStore is a cache of item headers shared between manager instances
type HeaderStore interface {
	GetHeader(ctx context.Context, key model.ItemKey) (*model.ItemHeader, error)
	PutHeader(ctx context.Context, header *model.ItemHeader, ttl time.Duration) error
	InvalidateRange(ctx context.Context, rangeID model.RangeID) error
	Ping(ctx context.Context) error
	Close() error
}
