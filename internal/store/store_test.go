package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

// indexStoreContract runs the same checks against every IndexStore
func indexStoreContract(t *testing.T, s IndexStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveLevel(ctx, model.Level{ID: 2, Level: 1, SubLevel: 0, CreatedAt: now}))
	require.NoError(t, s.SaveLevel(ctx, model.Level{ID: 1, Level: 0, SubLevel: 0, CreatedAt: now}))

	err := s.SaveLevel(ctx, model.Level{ID: 3, Level: 1, SubLevel: 0, CreatedAt: now})
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateLevel))

	levels, err := s.ListLevels(ctx)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, model.LevelID(1), levels[0].ID)
	assert.Equal(t, model.LevelID(2), levels[1].ID)

	r := &model.Range{
		ID:           7,
		Level:        1,
		Index:        3,
		Copies:       []model.Copy{{NodeID: 1, Role: model.ReplicaRolePrimary}, {NodeID: 2, Role: model.ReplicaRoleSecondary}},
		TargetCopies: 2,
		State:        model.RangeStateActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.SaveRange(ctx, r))

	r.Copies = r.Copies[:1]
	r.State = model.RangeStateRepairing
	require.NoError(t, s.SaveRange(ctx, r))
	require.NoError(t, s.SaveRange(ctx, &model.Range{ID: 3, State: model.RangeStateActive, CreatedAt: now, UpdatedAt: now}))

	ranges, err := s.ListRanges(ctx)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, model.RangeID(3), ranges[0].ID)
	assert.Equal(t, model.RangeID(7), ranges[1].ID)
	assert.Equal(t, model.RangeStateRepairing, ranges[1].State)
	assert.Equal(t, []model.NodeID{1}, ranges[1].NodeIDs())
}

func TestMemoryMetadataStore_IndexContract(t *testing.T) {
	indexStoreContract(t, NewMemoryMetadataStore())
}

func TestPebbleIndexStore_IndexContract(t *testing.T) {
	s, err := NewPebbleIndexStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	indexStoreContract(t, s)
}

func TestPebbleIndexStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewPebbleIndexStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.SaveLevel(ctx, model.Level{ID: 1, Level: 4, SubLevel: 2}))
	require.NoError(t, s.SaveRange(ctx, &model.Range{ID: 1, Level: 4, SubLevel: 2, State: model.RangeStateActive}))
	require.NoError(t, s.Close())

	s, err = NewPebbleIndexStore(dir, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	levels, err := s.ListLevels(ctx)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, uint32(4), levels[0].Level)

	ranges, err := s.ListRanges(ctx)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
}

func TestMemoryMetadataStore_Nodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMetadataStore()

	_, err := s.GetManager(ctx, 1)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	s.PutManager(1, model.ManagerAddresses{CmdIP: "127.0.0.1", CmdPort: 7000})
	addrs, err := s.GetManager(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", addrs.CmdAddr())

	require.NoError(t, s.UpsertStorageNode(ctx, &model.StorageNode{ID: 2, Host: "b"}))
	require.NoError(t, s.UpsertStorageNode(ctx, &model.StorageNode{ID: 1, Host: "a"}))
	nodes, err := s.ListStorageNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.NodeID(1), nodes[0].ID)

	require.NoError(t, s.RemoveStorageNode(ctx, 1))
	assert.Error(t, s.RemoveStorageNode(ctx, 1))
}

func TestMemoryHeaderStore_InvalidateRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryHeaderStore()

	a := &model.ItemHeader{Key: model.ItemKey{ID: 1}, RangeID: 1}
	b := &model.ItemHeader{Key: model.ItemKey{ID: 2}, RangeID: 2}
	require.NoError(t, s.PutHeader(ctx, a, time.Minute))
	require.NoError(t, s.PutHeader(ctx, b, time.Minute))

	require.NoError(t, s.InvalidateRange(ctx, 1))

	_, err := s.GetHeader(ctx, a.Key)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	got, err := s.GetHeader(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, model.RangeID(2), got.RangeID)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "metis:hdr:1.2:3", headerKey(model.ItemKey{Level: 1, SubLevel: 2, ID: 3}))
	assert.Equal(t, "metis:range:9:headers", rangeSetKey(9))
}

func TestPebbleKeysOrdered(t *testing.T) {
	assert.Less(t, string(rangeKey(1)), string(rangeKey(256)))
	assert.Less(t, string(levelKey(model.LevelKey{Level: 1, SubLevel: 9})), string(levelKey(model.LevelKey{Level: 2})))
}
