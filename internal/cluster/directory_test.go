package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/store"
)

func newTestDirectory(t *testing.T, maxConn int, nodes ...model.StorageNode) *Directory {
	t.Helper()
	d := NewDirectory(maxConn, zap.NewNop(), nil)
	for _, n := range nodes {
		if n.Host == "" {
			n.Host = "10.0.0.1"
		}
		if n.Port == 0 {
			n.Port = 9000 + int(n.ID)
		}
		require.NoError(t, d.Register(n))
	}
	return d
}

func TestDirectory_RegisterAndRemove(t *testing.T) {
	d := newTestDirectory(t, 10, model.StorageNode{ID: 1, Capacity: 100})

	err := d.Register(model.StorageNode{ID: 1, Host: "x", Port: 1})
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))

	err = d.Register(model.StorageNode{ID: 2})
	assert.Error(t, err)

	n, ok := d.Get(1)
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusUp, n.Status)
	assert.Equal(t, 10, n.MaxConnections)

	require.NoError(t, d.Remove(1))
	assert.True(t, errors.Is(d.Remove(1), apperrors.ErrNotFound))
	_, ok = d.Get(1)
	assert.False(t, ok)
}

func TestDirectory_ReturnsCopies(t *testing.T) {
	d := newTestDirectory(t, 10, model.StorageNode{ID: 1})

	n, _ := d.Get(1)
	n.OpenConnections = 99
	snap := d.Snapshot()
	snap.Nodes[0].Status = model.NodeStatusDown

	again, _ := d.Get(1)
	assert.Equal(t, 0, again.OpenConnections)
	assert.Equal(t, model.NodeStatusUp, again.Status)
}

func TestDirectory_ConnectionLimit(t *testing.T) {
	d := newTestDirectory(t, 10,
		model.StorageNode{ID: 1, MaxConnections: 4},
		model.StorageNode{ID: 2, MaxConnections: 40},
		model.StorageNode{ID: 3},
	)

	assert.Equal(t, 4, d.ConnectionLimit(1))
	assert.Equal(t, 10, d.ConnectionLimit(2))
	assert.Equal(t, 10, d.ConnectionLimit(3))
	assert.Equal(t, 0, d.ConnectionLimit(99))
}

func TestDirectory_ReserveAllOrNothing(t *testing.T) {
	d := newTestDirectory(t, 1,
		model.StorageNode{ID: 1},
		model.StorageNode{ID: 2},
	)

	require.NoError(t, d.Reserve([]model.NodeID{2}))

	err := d.Reserve([]model.NodeID{1, 2})
	assert.True(t, errors.Is(err, apperrors.ErrNodeAtCapacity))

	n1, _ := d.Get(1)
	assert.Equal(t, 0, n1.OpenConnections, "failed reservation must not leak slots")

	d.Release([]model.NodeID{2})
	require.NoError(t, d.Reserve([]model.NodeID{1, 2}))

	n1, _ = d.Get(1)
	n2, _ := d.Get(2)
	assert.Equal(t, 1, n1.OpenConnections)
	assert.Equal(t, 1, n2.OpenConnections)
}

func TestDirectory_ReserveRejects(t *testing.T) {
	d := newTestDirectory(t, 5, model.StorageNode{ID: 1}, model.StorageNode{ID: 2})
	_, err := d.SetStatus(2, model.NodeStatusDown)
	require.NoError(t, err)

	tests := []struct {
		name string
		ids  []model.NodeID
		code apperrors.ErrorCode
	}{
		{"duplicate id", []model.NodeID{1, 1}, apperrors.ErrCodeInvalidArgument},
		{"unknown node", []model.NodeID{7}, apperrors.ErrCodeNotFound},
		{"down node", []model.NodeID{1, 2}, apperrors.ErrCodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, apperrors.GetCode(d.Reserve(tt.ids)))
		})
	}

	n, _ := d.Get(1)
	assert.Equal(t, 0, n.OpenConnections)
}

func TestDirectory_ReleaseNeverNegative(t *testing.T) {
	d := newTestDirectory(t, 5, model.StorageNode{ID: 1})
	d.Release([]model.NodeID{1, 42})
	n, _ := d.Get(1)
	assert.Equal(t, 0, n.OpenConnections)
}

func TestDirectory_ConcurrentReserveNeverExceedsLimit(t *testing.T) {
	const limit = 10
	d := newTestDirectory(t, limit, model.StorageNode{ID: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Reserve([]model.NodeID{1}) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	n, _ := d.Get(1)
	assert.Equal(t, limit, granted)
	assert.Equal(t, limit, n.OpenConnections)
}

func TestDirectory_UpsertPreservesCounters(t *testing.T) {
	d := newTestDirectory(t, 5, model.StorageNode{ID: 1, Capacity: 10})
	require.NoError(t, d.Reserve([]model.NodeID{1}))
	_, err := d.SetStatus(1, model.NodeStatusDegraded)
	require.NoError(t, err)

	d.Upsert(model.StorageNode{ID: 1, Host: "new", Port: 1, Capacity: 50})

	n, _ := d.Get(1)
	assert.Equal(t, 1, n.OpenConnections)
	assert.Equal(t, uint64(50), n.Capacity)
	assert.Equal(t, model.NodeStatusDegraded, n.Status)
	assert.Equal(t, "new", n.Host)
}

func TestFilterEligible_Order(t *testing.T) {
	snap := model.ClusterSnapshot{Nodes: []model.StorageNode{
		{ID: 1, MaxConnections: 10, OpenConnections: 2, Capacity: 100, Status: model.NodeStatusUp},
		{ID: 2, MaxConnections: 10, OpenConnections: 1, Capacity: 50, Status: model.NodeStatusUp},
		{ID: 3, MaxConnections: 10, OpenConnections: 1, Capacity: 80, Status: model.NodeStatusUp},
		{ID: 4, MaxConnections: 10, OpenConnections: 1, Capacity: 80, Status: model.NodeStatusUp},
		{ID: 5, MaxConnections: 10, OpenConnections: 10, Capacity: 500, Status: model.NodeStatusUp},
		{ID: 6, MaxConnections: 10, Capacity: 500, Status: model.NodeStatusDegraded},
		{ID: 7, MaxConnections: 10, Capacity: 500, Used: 495, Status: model.NodeStatusUp},
		{ID: 8, MaxConnections: 10, Capacity: 500, Status: model.NodeStatusUp},
	}}

	got := FilterEligible(snap, []model.NodeID{8}, 10)

	ids := make([]model.NodeID, 0, len(got))
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []model.NodeID{3, 4, 2, 1}, ids)
}

func TestDirectory_Load(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryMetadataStore()
	require.NoError(t, s.UpsertStorageNode(ctx, &model.StorageNode{ID: 1, Host: "a", Port: 1, Status: model.NodeStatusUp, OpenConnections: 7}))
	require.NoError(t, s.UpsertStorageNode(ctx, &model.StorageNode{ID: 2, Host: "b", Port: 1, Status: model.NodeStatusDown}))

	d := NewDirectory(10, zap.NewNop(), nil)
	require.NoError(t, d.Load(ctx, s))

	assert.Len(t, d.List(), 2)
	assert.Equal(t, 1, d.UpCount())
	n, _ := d.Get(1)
	assert.Equal(t, 0, n.OpenConnections)
	assert.Len(t, d.EligibleNodes(nil, 0), 1)
}
