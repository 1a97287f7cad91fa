package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

type fakeStorage struct {
	mu     sync.Mutex
	ranges map[uint64]bool
	copies []CopyRangeRequest
}

func (f *fakeStorage) HasRange(_ context.Context, req *RangeRequest) (*HasRangeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &HasRangeResponse{Present: f.ranges[req.RangeID]}, nil
}

func (f *fakeStorage) CopyRange(_ context.Context, req *CopyRangeRequest) (*CopyRangeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.RangeID == 666 {
		return nil, status.Error(codes.ResourceExhausted, "disk full")
	}
	f.copies = append(f.copies, *req)
	f.ranges[req.RangeID] = true
	return &CopyRangeResponse{Bytes: 1024}, nil
}

func (f *fakeStorage) DeleteRange(_ context.Context, req *RangeRequest) (*Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ranges[req.RangeID] {
		return nil, status.Error(codes.NotFound, "no such range")
	}
	delete(f.ranges, req.RangeID)
	return &Empty{}, nil
}

func startServer(t *testing.T) (*fakeStorage, *health.Server, model.StorageNode) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fake := &fakeStorage{ranges: map[uint64]bool{}}
	hs := health.NewServer()

	s := grpc.NewServer()
	RegisterStorageServer(s, fake)
	healthpb.RegisterHealthServer(s, hs)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	addr := lis.Addr().(*net.TCPAddr)
	node := model.StorageNode{ID: 1, Host: "127.0.0.1", Port: addr.Port, Status: model.NodeStatusUp}
	return fake, hs, node
}

func TestStorageClient_RangeCalls(t *testing.T) {
	fake, _, node := startServer(t)
	c := NewStorageClient(5*time.Second, zap.NewNop())
	defer c.Close()

	ctx := context.Background()
	source := model.StorageNode{ID: 9, Host: "10.0.0.9", Port: 7000}

	present, err := c.HasRange(ctx, node, 42)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, c.CopyRange(ctx, source, node, 42))
	require.Len(t, fake.copies, 1)
	assert.Equal(t, uint64(42), fake.copies[0].RangeID)
	assert.Equal(t, uint32(9), fake.copies[0].SourceNodeID)
	assert.Equal(t, "10.0.0.9:7000", fake.copies[0].SourceAddr)

	present, err = c.HasRange(ctx, node, 42)
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, c.DeleteRange(ctx, node, 42))

	err = c.DeleteRange(ctx, node, 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	err = c.CopyRange(ctx, source, node, 666)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNodeAtCapacity, apperrors.GetCode(err))
}

func TestStorageClient_Probe(t *testing.T) {
	_, hs, node := startServer(t)
	c := NewStorageClient(5*time.Second, zap.NewNop())
	defer c.Close()

	ctx := context.Background()

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	st, err := c.Probe(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusUp, st)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	st, err = c.Probe(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusDegraded, st)
}

func TestStorageClient_ProbeUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	c := NewStorageClient(500*time.Millisecond, zap.NewNop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = c.Probe(ctx, model.StorageNode{ID: 3, Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))
}

func TestStorageClient_RedialOnAddressChange(t *testing.T) {
	_, _, node := startServer(t)
	c := NewStorageClient(5*time.Second, zap.NewNop())
	defer c.Close()

	first, err := c.getConn(node)
	require.NoError(t, err)
	same, err := c.getConn(node)
	require.NoError(t, err)
	assert.Same(t, first, same)

	moved := node
	moved.Port++
	second, err := c.getConn(moved)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	c.Forget(node.ID)
	c.mu.Lock()
	assert.Empty(t, c.connections)
	c.mu.Unlock()
}
