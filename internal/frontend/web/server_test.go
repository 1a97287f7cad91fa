package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/config"
	"github.com/bhyvex/metis/internal/health"
	"github.com/bhyvex/metis/internal/manager"
	"github.com/bhyvex/metis/internal/model"
	"github.com/bhyvex/metis/internal/placement"
	"github.com/bhyvex/metis/internal/store"
)

func newTestServer(t *testing.T, nodes int) (*Server, *manager.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerID = 1
	cfg.Cache.CacheSize = "1M"

	s := store.NewMemoryMetadataStore()
	for i := 1; i <= nodes; i++ {
		require.NoError(t, s.UpsertStorageNode(context.Background(), &model.StorageNode{
			ID: model.NodeID(i), Host: "10.0.0.1", Port: 7000 + i, Capacity: 1 << 40, Status: model.NodeStatusUp,
		}))
	}
	mgr, err := manager.New(cfg, manager.Dependencies{Metadata: s}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.LoadAll(context.Background()))

	hc := health.NewHealthChecker(s, nil, mgr.Directory(), cfg.Placement.MinimumCopies, zap.NewNop())
	srv := NewServer(Options{
		Addr:           "127.0.0.1:0",
		Config:         cfg.Web,
		MetricsPath:    "/metrics",
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }),
	}, mgr, hc, zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, mgr
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestLevels(t *testing.T) {
	srv, _ := newTestServer(t, 3)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/levels", AddLevelRequest{Level: 1, SubLevel: 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	var level model.Level
	decodeInto(t, rec, &level)
	assert.Equal(t, uint32(1), level.Level)
	assert.Equal(t, uint32(2), level.SubLevel)

	rec = do(t, h, http.MethodPost, "/v1/levels", AddLevelRequest{Level: 1, SubLevel: 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, "DUPLICATE_LEVEL", errResp.ErrorCode)
	assert.NotEmpty(t, errResp.RequestID)

	rec = do(t, h, http.MethodGet, "/v1/levels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var levels []model.Level
	decodeInto(t, rec, &levels)
	assert.Len(t, levels, 1)
}

func TestPutLocateAndConfirm(t *testing.T) {
	srv, mgr := newTestServer(t, 3)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/v1/items/1/0/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/levels", AddLevelRequest{Level: 1}).Code)

	rec = do(t, h, http.MethodPost, "/v1/items/1/0/42", PutItemRequest{Size: 512})
	require.Equal(t, http.StatusCreated, rec.Code)
	var put manager.PutResult
	decodeInto(t, rec, &put)
	assert.True(t, put.Created)
	require.NotNil(t, put.Reservation)
	assert.Len(t, put.Reservation.Nodes, 3)

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/v1/reservations/%s/confirm", put.Reservation.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, mgr.Placement().Active())

	rec = do(t, h, http.MethodPost, fmt.Sprintf("/v1/reservations/%s/rollback", put.Reservation.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/items/1/0/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loc manager.LocateResult
	decodeInto(t, rec, &loc)
	assert.Equal(t, put.Range.ID, loc.Range.ID)
	assert.Len(t, loc.Nodes, 3)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/v1/ranges/%d", put.Range.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/ranges?after=0&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ranges []model.Range
	decodeInto(t, rec, &ranges)
	assert.Len(t, ranges, 1)
}

func TestReserveCopy(t *testing.T) {
	srv, _ := newTestServer(t, 3)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/ranges/5/copies", ReserveCopyRequest{Size: 10, Current: []uint32{1, 2}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var res placement.Reservation
	decodeInto(t, rec, &res)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, model.NodeID(3), res.Nodes[0].ID)

	rec = do(t, h, http.MethodPost, "/v1/ranges/5/copies", ReserveCopyRequest{Size: 10, Current: []uint32{1, 2, 3}})
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestStorageNodes(t *testing.T) {
	srv, _ := newTestServer(t, 2)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/storage-nodes", model.StorageNode{ID: 9, Host: "10.0.0.9", Port: 7009, Capacity: 1 << 30})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/storage-nodes", model.StorageNode{Host: "10.0.0.9", Port: 7009})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/v1/storage-nodes/9/status", SetStatusRequest{Status: "degraded"})
	require.Equal(t, http.StatusOK, rec.Code)
	var node model.StorageNode
	decodeInto(t, rec, &node)
	assert.Equal(t, model.NodeStatusDegraded, node.Status)

	rec = do(t, h, http.MethodPut, "/v1/storage-nodes/9/status", SetStatusRequest{Status: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/storage-nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []model.StorageNode
	decodeInto(t, rec, &nodes)
	assert.Len(t, nodes, 3)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/storage-nodes/9", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/storage-nodes/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, "/v1/storage-nodes/abc", nil).Code)
}

func TestHealthMetricsAndStats(t *testing.T) {
	srv, _ := newTestServer(t, 2)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/health/ready", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)

	rec := do(t, h, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats manager.Stats
	decodeInto(t, rec, &stats)
	assert.Equal(t, 2, stats.Nodes)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v2/nothing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/levels", nil).Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, 3)
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	other := NewServer(Options{Addr: srv.Addr().String()}, nil, nil, zap.NewNop(), nil)
	assert.Error(t, other.Start(), "bind on a used address must fail")
	other.Shutdown(context.Background())
}
