package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/config"
	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
	"github.com/bhyvex/metis/internal/store"
)

type okTransport struct {
	mu     sync.Mutex
	copies int
}

func (t *okTransport) HasRange(context.Context, model.StorageNode, model.RangeID) (bool, error) {
	return true, nil
}

func (t *okTransport) CopyRange(context.Context, model.StorageNode, model.StorageNode, model.RangeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.copies++
	return nil
}

func (t *okTransport) DeleteRange(context.Context, model.StorageNode, model.RangeID) error {
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerID = 1
	cfg.Cache.CacheSize = "1M"
	cfg.Health.Enabled = false
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

func seedNodes(t *testing.T, s *store.MemoryMetadataStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, s.UpsertStorageNode(context.Background(), &model.StorageNode{
			ID:       model.NodeID(i),
			Host:     "10.0.0.1",
			Port:     7000 + i,
			Capacity: 1 << 40,
			Status:   model.NodeStatusUp,
		}))
	}
}

func newTestManager(t *testing.T, cfg *config.Config, deps Dependencies) *Manager {
	t.Helper()
	m, err := New(cfg, deps, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, m.LoadAll(context.Background()))
	return m
}

func TestNew_RequiresMetadataStore(t *testing.T) {
	_, err := New(testConfig(), Dependencies{}, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.GetCode(err))
}

func TestManager_LevelsAndLocate(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 5)
	headers := store.NewMemoryHeaderStore()
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s, Headers: headers})
	ctx := context.Background()

	_, err := m.AddLevel(ctx, 1, 0)
	require.NoError(t, err)
	_, err = m.AddLevel(ctx, 1, 0)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateLevel)

	item := model.ItemKey{Level: 1, SubLevel: 0, ID: 10}
	_, err = m.FindAndFill(ctx, item)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	r, created, err := m.FillAndAdd(ctx, item)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, r.Copies, 3)

	again, created, err := m.FillAndAdd(ctx, model.ItemKey{Level: 1, ID: 11})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r.ID, again.ID)

	loc, err := m.FindAndFill(ctx, item)
	require.NoError(t, err)
	assert.False(t, loc.Cached)
	assert.Equal(t, r.ID, loc.Range.ID)
	require.Len(t, loc.Nodes, 3)
	primary, _ := r.Primary()
	assert.Equal(t, primary, loc.Nodes[0].ID)

	shared, err := headers.GetHeader(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, r.ID, shared.RangeID)

	loc, err = m.FindAndFill(ctx, item)
	require.NoError(t, err)
	assert.True(t, loc.Cached)
	assert.Equal(t, r.ID, loc.Range.ID)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Levels)
	assert.Equal(t, 1, stats.Ranges)
	assert.Equal(t, 5, stats.NodesUp)
}

func TestManager_FindAndFillUsesSharedHeader(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 3)
	headers := store.NewMemoryHeaderStore()
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s, Headers: headers})
	ctx := context.Background()

	_, err := m.AddLevel(ctx, 2, 1)
	require.NoError(t, err)
	item := model.ItemKey{Level: 2, SubLevel: 1, ID: 5}
	r, _, err := m.FillAndAdd(ctx, item)
	require.NoError(t, err)

	require.NoError(t, headers.PutHeader(ctx, &model.ItemHeader{Key: item, RangeID: r.ID, Size: 99}, time.Minute))

	loc, err := m.FindAndFill(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), loc.Header.Size)
	assert.Equal(t, r.ID, loc.Range.ID)
}

func TestManager_PutItemAndConfirm(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 5)
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s})
	ctx := context.Background()

	_, err := m.AddLevel(ctx, 1, 0)
	require.NoError(t, err)

	res, err := m.PutItem(ctx, model.ItemKey{Level: 1, ID: 1}, 2048)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Reservation.Nodes, 3)
	assert.ElementsMatch(t, res.Range.NodeIDs(), res.Reservation.NodeIDs())

	for _, id := range res.Reservation.NodeIDs() {
		n, ok := m.Directory().Get(id)
		require.True(t, ok)
		assert.Equal(t, 1, n.OpenConnections)
	}

	before, err := m.Index().Range(res.Range.ID)
	require.NoError(t, err)

	_, err = m.ConfirmReservation(ctx, res.Reservation.ID)
	require.NoError(t, err)

	after, err := m.Index().Range(res.Range.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Size+2048, after.Size)
	for _, n := range m.Directory().List() {
		assert.Equal(t, 0, n.OpenConnections)
	}

	_, err = m.ConfirmReservation(ctx, res.Reservation.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = m.RollbackReservation(uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestManager_CopyConfirmationAddsReplica(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 4)
	require.NoError(t, s.SaveRange(context.Background(), &model.Range{
		ID:           7,
		Level:        1,
		TargetCopies: 3,
		State:        model.RangeStateActive,
		Copies: []model.Copy{
			{NodeID: 1, Role: model.ReplicaRolePrimary},
			{NodeID: 2, Role: model.ReplicaRoleSecondary},
		},
	}))
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s})
	ctx := context.Background()

	res, err := m.GetStorageForCopy(7, 1024, nil)
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.NotContains(t, []model.NodeID{1, 2}, res.Nodes[0].ID)

	_, err = m.ConfirmReservation(ctx, res.ID)
	require.NoError(t, err)

	r, err := m.Index().Range(7)
	require.NoError(t, err)
	assert.Len(t, r.Copies, 3)
	assert.True(t, r.HasNode(res.Nodes[0].ID))
}

func TestManager_InsufficientCapacity(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 2)
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s})

	_, err := m.GetPutStorages(1, 1024)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCapacity)
	assert.Error(t, m.Ready(context.Background()))
}

func TestManager_RegisterAndRemoveStorageNode(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 2)
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s})
	ctx := context.Background()

	require.NoError(t, m.RegisterStorageNode(ctx, model.StorageNode{ID: 3, Host: "10.0.0.3", Port: 7003, Capacity: 1 << 40}))
	assert.NoError(t, m.Ready(ctx))

	stored, err := s.ListStorageNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	err = m.RegisterStorageNode(ctx, model.StorageNode{ID: 3, Host: "10.0.0.3", Port: 7003})
	assert.Error(t, err)

	require.NoError(t, m.RemoveStorageNode(ctx, 3))
	_, ok := m.Directory().Get(3)
	assert.False(t, ok)
	assert.ErrorIs(t, m.RemoveStorageNode(ctx, 3), apperrors.ErrNotFound)

	require.NoError(t, m.SetStorageNodeStatus(1, model.NodeStatusDown))
	assert.Equal(t, 1, m.Stats().NodesUp)
}

func TestManager_TimeTicReapsReservations(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 3)
	cfg := testConfig()
	cfg.Placement.ReservationTTL = time.Minute
	m := newTestManager(t, cfg, Dependencies{Metadata: s})

	res, err := m.GetPutStorages(1, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Placement().Active())

	m.TimeTic(res.CreatedAt.Add(30 * time.Second))
	assert.Equal(t, 1, m.Placement().Active())

	m.TimeTic(res.CreatedAt.Add(2 * time.Minute))
	assert.Equal(t, 0, m.Placement().Active())
	for _, n := range m.Directory().List() {
		assert.Equal(t, 0, n.OpenConnections)
	}
}

type ctxHeaderStore struct {
	store.HeaderStore
	mu   sync.Mutex
	ctxs []context.Context
}

func (h *ctxHeaderStore) InvalidateRange(ctx context.Context, id model.RangeID) error {
	h.mu.Lock()
	h.ctxs = append(h.ctxs, ctx)
	h.mu.Unlock()
	return h.HeaderStore.InvalidateRange(ctx, id)
}

func TestRangeInvalidator_UsesCallerContext(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 3)
	headers := &ctxHeaderStore{HeaderStore: store.NewMemoryHeaderStore()}
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s, Headers: headers})
	ctx := context.Background()

	_, err := m.AddLevel(ctx, 1, 0)
	require.NoError(t, err)
	item := model.ItemKey{Level: 1, ID: 5}
	r, _, err := m.FillAndAdd(ctx, item)
	require.NoError(t, err)
	m.Cache().RecordHit(item)
	require.True(t, m.Cache().Put(model.ItemHeader{Key: item, RangeID: r.ID}))

	type ctxKey struct{}
	callCtx := context.WithValue(ctx, ctxKey{}, "sweep")
	assert.Equal(t, 1, rangeInvalidator{m}.Invalidate(callCtx, r.ID))

	headers.mu.Lock()
	defer headers.mu.Unlock()
	require.Len(t, headers.ctxs, 1)
	assert.Equal(t, "sweep", headers.ctxs[0].Value(ctxKey{}))
}

func TestManager_StagedItemFollowsReservation(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 3)
	cfg := testConfig()
	cfg.Placement.ReservationTTL = time.Minute
	m := newTestManager(t, cfg, Dependencies{Metadata: s})
	ctx := context.Background()
	_, err := m.AddLevel(ctx, 1, 0)
	require.NoError(t, err)

	stage := func(id uint64) *PutResult {
		key := model.ItemKey{Level: 1, ID: id}
		res, err := m.PutItem(ctx, key, 5)
		require.NoError(t, err)
		require.True(t, m.StageItem(res.Reservation.ID, model.ItemHeader{Key: key, Size: 5, RangeID: res.Range.ID}, []byte("hello")))
		return res
	}

	assert.False(t, m.StageItem(uuid.New(), model.ItemHeader{}, nil), "unknown reservation")

	rolledBack := stage(1)
	_, ok := m.Cache().GetContent(model.ItemKey{Level: 1, ID: 1})
	assert.False(t, ok, "nothing is cached before confirmation")
	_, err = m.RollbackReservation(rolledBack.Reservation.ID)
	require.NoError(t, err)
	_, ok = m.Cache().GetContent(model.ItemKey{Level: 1, ID: 1})
	assert.False(t, ok)
	assert.Equal(t, 0, m.staged.Size())

	confirmed := stage(2)
	_, err = m.ConfirmReservation(ctx, confirmed.Reservation.ID)
	require.NoError(t, err)
	data, ok := m.Cache().GetContent(model.ItemKey{Level: 1, ID: 2})
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	expired := stage(3)
	m.TimeTic(expired.Reservation.CreatedAt.Add(2 * time.Minute))
	assert.Equal(t, 0, m.staged.Size())
	_, err = m.ConfirmReservation(ctx, expired.Reservation.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, ok = m.Cache().GetContent(model.ItemKey{Level: 1, ID: 3})
	assert.False(t, ok)
}

func TestManager_StartRepairsUnderReplicatedRanges(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 4)
	require.NoError(t, s.SaveRange(context.Background(), &model.Range{
		ID:           1,
		TargetCopies: 3,
		State:        model.RangeStateActive,
		Copies:       []model.Copy{{NodeID: 1, Role: model.ReplicaRolePrimary}},
	}))

	transport := &okTransport{}
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s, Transport: transport})
	require.NotNil(t, m.Checker())

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		r, err := m.Index().Range(1)
		return err == nil && len(r.Copies) == 3 && r.State == model.RangeStateActive
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	assert.False(t, m.Checker().Running())
	transport.mu.Lock()
	assert.Equal(t, 2, transport.copies)
	transport.mu.Unlock()
}

func TestManager_ReservationKinds(t *testing.T) {
	s := store.NewMemoryMetadataStore()
	seedNodes(t, s, 3)
	m := newTestManager(t, testConfig(), Dependencies{Metadata: s})

	res, err := m.GetPutStorages(9, 10)
	require.NoError(t, err)
	assert.Equal(t, placement.KindPut, res.Kind)

	rolled, err := m.RollbackReservation(res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, rolled.ID)
	assert.Equal(t, 0, m.Placement().Active())
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	s := NewScheduler(5*time.Millisecond, tickFunc(func(time.Time) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}), zap.NewNop())

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, time.Second, time.Millisecond)
	s.Stop()

	mu.Lock()
	stopped := ticks
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, stopped, ticks)
	mu.Unlock()

	s.Stop()
}

type tickFunc func(time.Time)

func (f tickFunc) TimeTic(now time.Time) { f(now) }
