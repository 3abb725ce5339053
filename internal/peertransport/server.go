package peertransport

import (
	"context"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/shardstore"
)

// PeerServer adapts internal/shardstore to the Handler contract,
// implementing StageShard/CommitShard/FetchShard as described in
// §4.5: stage under the upload id, commit by rename, fetch is
// side-effect free.
type PeerServer struct {
	Store  *shardstore.Store
	Secret []byte

	// pending tracks staged indices per upload so CommitShard and
	// StageAbort know which staging files belong to an upload without
	// re-deriving it from the request.
	pending map[string][]int
}

// NewPeerServer builds a PeerServer over an already-open shard store.
func NewPeerServer(store *shardstore.Store, secret []byte) *PeerServer {
	return &PeerServer{Store: store, Secret: secret, pending: make(map[string][]int)}
}

func (p *PeerServer) Authenticate(ctx context.Context) (string, error) {
	return authenticate(ctx, p.Secret)
}

func (p *PeerServer) StageShard(ctx context.Context, uploadID string, index int32, data []byte) (StageAck, error) {
	handle, err := p.Store.Stage(uploadID, int(index), data)
	if err != nil {
		return StageAck{}, err
	}
	p.pending[uploadID] = append(p.pending[uploadID], int(index))
	return StageAck{StagedLength: int64(handle.Length)}, nil
}

func (p *PeerServer) CommitShard(ctx context.Context, req CommitShardRequest) (CommitAck, error) {
	indices := p.pending[req.UploadID]
	if len(indices) == 0 {
		indices = []int{int(req.Index)}
	}
	if err := p.Store.Commit(req.UploadID, req.ContentHash, indices); err != nil {
		return CommitAck{}, err
	}
	delete(p.pending, req.UploadID)
	return CommitAck{}, nil
}

func (p *PeerServer) StageAbort(ctx context.Context, req StageAbortRequest) error {
	indices := make([]int, len(req.Indices))
	for i, idx := range req.Indices {
		indices[i] = int(idx)
	}
	if err := p.Store.Abort(req.UploadID, indices); err != nil {
		return err
	}
	delete(p.pending, req.UploadID)
	return nil
}

func (p *PeerServer) FetchShard(ctx context.Context, req FetchShardRequest) ([]byte, error) {
	data, err := p.Store.Read(req.ContentHash, int(req.Index))
	if err != nil {
		return nil, err
	}
	if req.HasByteRange {
		end := req.RangeOffset + req.RangeLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if req.RangeOffset > int64(len(data)) {
			return nil, apperr.New(apperr.Internal, "byte range out of bounds")
		}
		data = data[req.RangeOffset:end]
	}
	return data, nil
}

func (p *PeerServer) RemoveShards(ctx context.Context, req RemoveShardsRequest) (RemoveShardsAck, error) {
	indices := make([]int, len(req.Indices))
	for i, idx := range req.Indices {
		indices[i] = int(idx)
	}
	if err := p.Store.Remove(req.ContentHash, indices); err != nil {
		return RemoveShardsAck{}, err
	}
	return RemoveShardsAck{}, nil
}
