package peertransport

import (
	"context"
	"io"

	"google.golang.org/grpc"
)

// Handler is the application-level peer RPC contract; PeerServer in
// server.go implements it against the local shard store.
type Handler interface {
	StageShard(ctx context.Context, uploadID string, index int32, data []byte) (StageAck, error)
	CommitShard(ctx context.Context, req CommitShardRequest) (CommitAck, error)
	StageAbort(ctx context.Context, req StageAbortRequest) error
	FetchShard(ctx context.Context, req FetchShardRequest) ([]byte, error)
	RemoveShards(ctx context.Context, req RemoveShardsRequest) (RemoveShardsAck, error)
	Authenticate(ctx context.Context) (string, error)
}

const serviceName = "anvil.peertransport.PeerTransport"

// ServiceDesc is the hand-assembled equivalent of a protoc-generated
// grpc.ServiceDesc, binding the RPC names in the wire contract to the
// Handler methods above.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CommitShard", Handler: commitShardHandler},
		{MethodName: "StageAbort", Handler: stageAbortHandler},
		{MethodName: "RemoveShards", Handler: removeShardsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StageShard", Handler: stageShardHandler, ClientStreams: true},
		{StreamName: "FetchShard", Handler: fetchShardHandler, ServerStreams: true},
	},
	Metadata: "anvil/peertransport.proto",
}

func commitShardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	h := srv.(Handler)
	if _, err := h.Authenticate(ctx); err != nil {
		return nil, err
	}
	var req CommitShardRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return h.CommitShard(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CommitShard"}
	return interceptor(ctx, &req, info, func(ctx context.Context, req any) (any, error) {
		return h.CommitShard(ctx, *req.(*CommitShardRequest))
	})
}

func stageAbortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	h := srv.(Handler)
	if _, err := h.Authenticate(ctx); err != nil {
		return nil, err
	}
	var req StageAbortRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, req any) (any, error) {
		r := req.(*StageAbortRequest)
		return &struct{}{}, h.StageAbort(ctx, *r)
	}
	if interceptor == nil {
		_, err := fn(ctx, &req)
		return &struct{}{}, err
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StageAbort"}
	return interceptor(ctx, &req, info, fn)
}

func removeShardsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	h := srv.(Handler)
	if _, err := h.Authenticate(ctx); err != nil {
		return nil, err
	}
	var req RemoveShardsRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return h.RemoveShards(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RemoveShards"}
	return interceptor(ctx, &req, info, func(ctx context.Context, req any) (any, error) {
		return h.RemoveShards(ctx, *req.(*RemoveShardsRequest))
	})
}

func stageShardHandler(srv any, stream grpc.ServerStream) error {
	h := srv.(Handler)
	if _, err := h.Authenticate(stream.Context()); err != nil {
		return err
	}

	var uploadID string
	var index int32
	var buf []byte
	first := true
	for {
		var chunk StageShardChunk
		if err := stream.RecvMsg(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if first {
			uploadID, index = chunk.UploadID, chunk.Index
			first = false
		}
		buf = append(buf, chunk.Data...)
	}

	ack, err := h.StageShard(stream.Context(), uploadID, index, buf)
	if err != nil {
		return err
	}
	return stream.SendMsg(&ack)
}

func fetchShardHandler(srv any, stream grpc.ServerStream) error {
	h := srv.(Handler)
	if _, err := h.Authenticate(stream.Context()); err != nil {
		return err
	}

	var req FetchShardRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	data, err := h.FetchShard(stream.Context(), req)
	if err != nil {
		return err
	}

	const frameSize = 64 * 1024
	for off := 0; off < len(data) || len(data) == 0; off += frameSize {
		end := off + frameSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.SendMsg(&FetchShardChunk{Data: data[off:end]}); err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
	}
	return nil
}
