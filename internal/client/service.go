package client

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "metis.storage.v1.Storage"

const (
	methodHasRange    = "/" + serviceName + "/HasRange"
	methodCopyRange   = "/" + serviceName + "/CopyRange"
	methodDeleteRange = "/" + serviceName + "/DeleteRange"
)

// RangeRequest addresses one range on a storage node
type RangeRequest struct {
	RangeID uint64 `json:"range_id"`
}

// HasRangeResponse reports whether a node holds a range
type HasRangeResponse struct {
	Present bool   `json:"present"`
	Size    uint64 `json:"size"`
}

// CopyRangeRequest asks the receiving node to pull a range from Source
type CopyRangeRequest struct {
	RangeID      uint64 `json:"range_id"`
	SourceNodeID uint32 `json:"source_node_id"`
	SourceAddr   string `json:"source_addr"`
}

// CopyRangeResponse reports the bytes transferred
type CopyRangeResponse struct {
	Bytes uint64 `json:"bytes"`
}

// Empty is returned by calls without a result
type Empty struct{}

// StorageServer is the replica management surface of a storage node.
type StorageServer interface {
	HasRange(ctx context.Context, req *RangeRequest) (*HasRangeResponse, error)
	CopyRange(ctx context.Context, req *CopyRangeRequest) (*CopyRangeResponse, error)
	DeleteRange(ctx context.Context, req *RangeRequest) (*Empty, error)
}

// RegisterStorageServer registers impl on s
func RegisterStorageServer(s *grpc.Server, impl StorageServer) {
	s.RegisterService(&storageServiceDesc, impl)
}

var storageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HasRange", Handler: hasRangeHandler},
		{MethodName: "CopyRange", Handler: copyRangeHandler},
		{MethodName: "DeleteRange", Handler: deleteRangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metis/storage.json",
}

func hasRangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RangeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageServer).HasRange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHasRange}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageServer).HasRange(ctx, req.(*RangeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func copyRangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CopyRangeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageServer).CopyRange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCopyRange}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageServer).CopyRange(ctx, req.(*CopyRangeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteRangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RangeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StorageServer).DeleteRange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeleteRange}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StorageServer).DeleteRange(ctx, req.(*RangeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
