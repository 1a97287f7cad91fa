// Package client talks to storage nodes over gRPC: replica presence checks,
// range copies and deletes, and health probes.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

type nodeConn struct {
	addr string
	conn *grpc.ClientConn
}

// StorageClient manages one gRPC connection per storage node
type StorageClient struct {
	mu          sync.Mutex
	connections map[model.NodeID]*nodeConn
	timeout     time.Duration
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// NewStorageClient creates a new storage node client
func NewStorageClient(timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) *StorageClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	return &StorageClient{
		connections: make(map[model.NodeID]*nodeConn),
		timeout:     timeout,
		dialOptions: dialOptions,
		logger:      logger,
	}
}

// HasRange asks node whether it holds rangeID
func (c *StorageClient) HasRange(ctx context.Context, node model.StorageNode, rangeID model.RangeID) (bool, error) {
	resp := &HasRangeResponse{}
	if err := c.invoke(ctx, node, methodHasRange, &RangeRequest{RangeID: uint64(rangeID)}, resp); err != nil {
		return false, apperrors.FromGRPC(err, fmt.Sprintf("has range %d on node %d", rangeID, node.ID))
	}
	return resp.Present, nil
}

// CopyRange instructs target to pull rangeID from source
func (c *StorageClient) CopyRange(ctx context.Context, source, target model.StorageNode, rangeID model.RangeID) error {
	req := &CopyRangeRequest{
		RangeID:      uint64(rangeID),
		SourceNodeID: uint32(source.ID),
		SourceAddr:   source.Addr(),
	}
	resp := &CopyRangeResponse{}
	if err := c.invoke(ctx, target, methodCopyRange, req, resp); err != nil {
		return apperrors.FromGRPC(err, fmt.Sprintf("copy range %d from node %d to node %d", rangeID, source.ID, target.ID))
	}

	c.logger.Debug("Copied range",
		zap.Uint64("range_id", uint64(rangeID)),
		zap.Uint32("source", uint32(source.ID)),
		zap.Uint32("target", uint32(target.ID)),
		zap.Uint64("bytes", resp.Bytes))
	return nil
}

// DeleteRange instructs node to drop its copy of rangeID
func (c *StorageClient) DeleteRange(ctx context.Context, node model.StorageNode, rangeID model.RangeID) error {
	if err := c.invoke(ctx, node, methodDeleteRange, &RangeRequest{RangeID: uint64(rangeID)}, &Empty{}); err != nil {
		return apperrors.FromGRPC(err, fmt.Sprintf("delete range %d on node %d", rangeID, node.ID))
	}
	return nil
}

// Probe runs the standard gRPC health check against node
func (c *StorageClient) Probe(ctx context.Context, node model.StorageNode) (model.NodeStatus, error) {
	conn, err := c.getConn(node)
	if err != nil {
		return "", err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return "", apperrors.FromGRPC(err, fmt.Sprintf("probe node %d", node.ID))
	}

	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return model.NodeStatusUp, nil
	default:
		return model.NodeStatusDegraded, nil
	}
}

func (c *StorageClient) invoke(ctx context.Context, node model.StorageNode, method string, req, resp interface{}) error {
	conn, err := c.getConn(node)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return conn.Invoke(callCtx, method, req, resp, grpc.CallContentSubtype(codecName))
}

// getConn returns the cached connection of a node, redialing when its
// address changed.
func (c *StorageClient) getConn(node model.StorageNode) (*grpc.ClientConn, error) {
	addr := node.Addr()

	c.mu.Lock()
	defer c.mu.Unlock()

	if nc, ok := c.connections[node.ID]; ok {
		if nc.addr == addr {
			return nc.conn, nil
		}
		nc.conn.Close()
		delete(c.connections, node.ID)
	}

	conn, err := grpc.NewClient(addr, c.dialOptions...)
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("failed to connect to %s", addr), err)
	}
	c.connections[node.ID] = &nodeConn{addr: addr, conn: conn}

	c.logger.Info("Created gRPC client for storage node",
		zap.Uint32("node_id", uint32(node.ID)),
		zap.String("target", addr))

	return conn, nil
}

// Forget closes the connection of a removed node
func (c *StorageClient) Forget(id model.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.connections[id]; ok {
		nc.conn.Close()
		delete(c.connections, id)
	}
}

// Close closes all gRPC connections
func (c *StorageClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing all storage node connections")

	for id, nc := range c.connections {
		if err := nc.conn.Close(); err != nil {
			c.logger.Warn("Failed to close connection",
				zap.Uint32("node_id", uint32(id)),
				zap.Error(err))
		}
	}
	c.connections = make(map[model.NodeID]*nodeConn)

	return nil
}
