package peertransport

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dreamware/anvil/internal/apperr"
)

// Client is a thin stub over a grpc.ClientConn to one peer, used by
// the ingest and read coordinators to stage, commit, and fetch shards
// on remote nodes.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a peer's transport address. tokenSecret and
// selfPeerID configure the per-RPC bearer token attached to every
// call; useTLS should be true outside of tests.
func Dial(ctx context.Context, addr string, tokenSecret []byte, selfPeerID string, useTLS bool) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
		grpc.WithPerRPCCredentials(NewPerRPCToken(tokenSecret, selfPeerID, time.Minute, useTLS)),
	}
	if !useTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "dial peer", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// StageShard streams data to the peer in fixed-size frames and waits
// for the durable-staging acknowledgement.
func (c *Client) StageShard(ctx context.Context, uploadID string, index int32, data []byte) (StageAck, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/StageShard")
	if err != nil {
		return StageAck{}, apperr.Wrap(apperr.StageFailed, "open StageShard stream", err)
	}

	const frameSize = 64 * 1024
	sent := false
	for off := 0; off < len(data) || !sent; off += frameSize {
		end := off + frameSize
		if end > len(data) {
			end = len(data)
		}
		chunk := StageShardChunk{UploadID: uploadID, Index: index, Data: data[off:end]}
		if err := stream.SendMsg(&chunk); err != nil {
			return StageAck{}, apperr.Wrap(apperr.StageFailed, "send stage chunk", err)
		}
		sent = true
		if len(data) == 0 {
			break
		}
	}
	if err := stream.CloseSend(); err != nil {
		return StageAck{}, apperr.Wrap(apperr.StageFailed, "close stage stream", err)
	}

	var ack StageAck
	if err := stream.RecvMsg(&ack); err != nil {
		return StageAck{}, apperr.Wrap(apperr.StageFailed, "receive stage ack", err)
	}
	return ack, nil
}

// CommitShard promotes a previously staged shard on the peer.
func (c *Client) CommitShard(ctx context.Context, req CommitShardRequest) (CommitAck, error) {
	var ack CommitAck
	err := c.conn.Invoke(ctx, "/"+serviceName+"/CommitShard", &req, &ack,
		grpc.CallContentSubtype(gobCodecName))
	if err != nil {
		return CommitAck{}, apperr.Wrap(apperr.CommitFailed, "invoke CommitShard", err)
	}
	return ack, nil
}

// StageAbort discards an upload's staged shards on the peer.
func (c *Client) StageAbort(ctx context.Context, req StageAbortRequest) error {
	var ack struct{}
	err := c.conn.Invoke(ctx, "/"+serviceName+"/StageAbort", &req, &ack,
		grpc.CallContentSubtype(gobCodecName))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "invoke StageAbort", err)
	}
	return nil
}

// FetchShard reads a committed shard from the peer.
func (c *Client) FetchShard(ctx context.Context, req FetchShardRequest) ([]byte, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[1], "/"+serviceName+"/FetchShard")
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "open FetchShard stream", err)
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "send fetch request", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "close fetch stream", err)
	}

	var out []byte
	for {
		var chunk FetchShardChunk
		err := stream.RecvMsg(&chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, apperr.Wrap(apperr.Unavailable, "receive fetch chunk", err)
		}
		out = append(out, chunk.Data...)
	}
	return out, nil
}

// RemoveShards issues best-effort shard removal, used by the task
// worker. Callers should treat an error as "peer unreachable" and
// requeue per the DELETE_OBJECT handler's backoff policy.
func (c *Client) RemoveShards(ctx context.Context, req RemoveShardsRequest) error {
	var ack RemoveShardsAck
	err := c.conn.Invoke(ctx, "/"+serviceName+"/RemoveShards", &req, &ack,
		grpc.CallContentSubtype(gobCodecName))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "invoke RemoveShards", err)
	}
	return nil
}
