// Package peertransport implements the authenticated peer RPC surface
// (C5): StageShard, CommitShard, and FetchShard between cluster peers.
//
// Transport is google.golang.org/grpc, the same library the rest of
// the retrieval pack reaches for when it needs streaming RPC (e.g.
// cuemby-warren's orchestration plane). The wire messages below are
// plain Go structs rather than protoc-generated bindings: protobuf
// code generation requires invoking protoc, which is out of reach
// here, so the client and server instead register a custom grpc codec
// (see codec.go) that gob-encodes these structs directly. grpc's
// framing, flow control, and per-RPC auth metadata are exercised
// exactly as they would be with generated bindings; only the message
// marshaling strategy differs.
package peertransport

// StageShardChunk is one frame of a StageShard client-streaming call.
// The first chunk of a stream MUST carry UploadID and Index; Data may
// be split across multiple chunks for large shards.
type StageShardChunk struct {
	UploadID string
	Data     []byte
	Index    int32
}

// StageAck acknowledges a fully received and durably staged shard.
type StageAck struct {
	StagedLength int64
}

// CommitShardRequest promotes a staged shard to its permanent,
// content-addressed name.
type CommitShardRequest struct {
	UploadID    string
	ContentHash [32]byte
	Index       int32
}

// CommitAck acknowledges a commit. Committing an already-committed
// shard (a retried RPC) also returns a successful CommitAck.
type CommitAck struct{}

// StageAbortRequest discards the staged shards of an upload that will
// never commit.
type StageAbortRequest struct {
	UploadID string
	Indices  []int32
}

// FetchShardRequest requests a committed shard, optionally trimmed to
// a byte range.
type FetchShardRequest struct {
	ContentHash   [32]byte
	Index         int32
	RangeOffset   int64
	RangeLength   int64
	HasByteRange  bool
}

// FetchShardChunk is one frame of a FetchShard server-streaming
// response.
type FetchShardChunk struct {
	Data []byte
}

// RemoveShardsRequest deletes committed shards, used by the task
// worker's DELETE_OBJECT handler.
type RemoveShardsRequest struct {
	ContentHash [32]byte
	Indices     []int32
}

// RemoveShardsAck acknowledges shard removal; the handler is
// idempotent so removing already-absent shards also succeeds.
type RemoveShardsAck struct{}
