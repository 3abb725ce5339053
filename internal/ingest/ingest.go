// Package ingest implements the Ingest Coordinator (C7): the write
// path state machine described in §4.7: PLACE, STAGE, COMMIT, and
// RECORD. The bucket arrives already resolved by the caller, and no
// write-permission check is made in this package.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/codec"
	"github.com/dreamware/anvil/internal/metadata"
	"github.com/dreamware/anvil/internal/objectmeta"
	"github.com/dreamware/anvil/internal/placement"
	"github.com/dreamware/anvil/internal/shardstore"
)

// maxInflightStripes bounds the coordinator's own buffering regardless
// of client speed; the rest of the backpressure chain is transport
// flow control on the peer streams themselves.
const maxInflightStripes = 4

// PeerClient is the subset of internal/peertransport.Client the
// coordinator needs, narrowed to an interface so tests can substitute
// an in-memory fake instead of real gRPC.
type PeerClient interface {
	StageShard(ctx context.Context, uploadID string, index int32, data []byte) (StageAck, error)
	CommitShard(ctx context.Context, uploadID string, contentHash [32]byte, index int32) error
	StageAbort(ctx context.Context, uploadID string, indices []int32) error
}

// StageAck mirrors peertransport.StageAck to keep this package free of
// a hard dependency on the transport's wire types.
type StageAck struct {
	StagedLength int64
}

// Dialer resolves a live peer ID to a client able to stage and commit
// shards on it.
type Dialer func(peerID string) (PeerClient, error)

// Coordinator drives PutObject for one node.
type Coordinator struct {
	Scheme     *codec.Scheme
	Meta       *metadata.Adapter
	Local      *shardstore.Store
	Dial       Dialer
	SelfPeerID string
	StripeSize int64

	// currentLive is the live peer snapshot PLACE considers for the
	// next PutObject call. internal/api's PUT handler refreshes it from
	// the live peer snapshot internal/app wires in from the membership
	// table immediately before each request, which keeps this package
	// free of a direct import-time dependency on internal/cluster.
	currentLive []placement.Peer
}

// Result is the outcome of a successful PutObject call.
type Result struct {
	ContentHash [32]byte
	ETag        string
	Size        int64
}

// PutObject runs the INIT→PLACE→STAGE→COMMIT→RECORD state machine for
// one object write. It performs no authorization step of its own.
func (c *Coordinator) PutObject(ctx context.Context, bucket objectmeta.Bucket, key string, body io.Reader) (Result, error) {
	n := c.Scheme.N()
	live := c.livePeerIDs()

	if len(live) < n {
		return c.putSingleNode(ctx, bucket, key, body)
	}
	return c.putDistributed(ctx, bucket, key, body, live)
}

func (c *Coordinator) livePeerIDs() []placement.Peer {
	// Populated by the caller via SetLivePeers before each call in the
	// current wiring (internal/api supplies a cluster.Table.LivePeers
	// snapshot at request time); kept as a field rather than an interface method
	// so ingest has no import-time dependency on cluster.
	return c.currentLive
}

// SetLivePeers installs the peer set PLACE should consider for the
// next PutObject call. internal/api calls this once per PUT request
// with a snapshot from the membership table.
func (c *Coordinator) SetLivePeers(peers []placement.Peer) { c.currentLive = peers }

func newUploadID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (c *Coordinator) putDistributed(ctx context.Context, bucket objectmeta.Bucket, key string, body io.Reader, live []placement.Peer) (Result, error) {
	n := c.Scheme.N()
	targets := placement.Place(bucket.ID+"/"+key, live, n)
	if len(targets) < n {
		return c.putSingleNode(ctx, bucket, key, body)
	}

	uploadID := newUploadID()
	clients := make([]PeerClient, n)
	for i, p := range targets {
		cl, err := c.Dial(p.ID)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.Unavailable, "dial placement target "+p.ID, err)
		}
		clients[i] = cl
	}

	hasher := codec.NewHasher()
	var totalSize int64
	stripeIndex := 0
	sem := make(chan struct{}, maxInflightStripes)

	stagedIndices := make([][]int32, n)
	for i := range stagedIndices {
		stagedIndices[i] = []int32{}
	}
	stripeMeta := objectmeta.StripeMeta{}

	stripeSize := c.StripeSize
	if stripeSize <= 0 {
		stripeSize = codec.DefaultStripeSize
	}
	buf := make([]byte, stripeSize)

	abort := func() {
		for i, cl := range clients {
			_ = cl.StageAbort(context.Background(), uploadID, stagedIndices[i])
		}
	}

	for {
		read, err := io.ReadFull(body, buf)
		if read == 0 && (err == io.EOF) {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			abort()
			return Result{}, apperr.Wrap(apperr.Internal, "read client stream", err)
		}

		plaintext := buf[:read]
		hasher.Write(plaintext)
		totalSize += int64(read)

		enc, encErr := c.Scheme.EncodeStripe(plaintext, bucket.ID, key)
		if encErr != nil {
			abort()
			return Result{}, encErr
		}
		stripeMeta[stripeIndex] = objectmeta.StripeInfo{Nonce: enc.Nonce, CipherLen: int64(enc.CiphertextLen)}

		sem <- struct{}{}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			i := i
			globalIndex := codec.GlobalIndex(stripeIndex, i, n)
			g.Go(func() error {
				_, err := clients[i].StageShard(gctx, uploadID, int32(globalIndex), enc.Shards[i])
				return err
			})
		}
		stageErr := g.Wait()
		<-sem
		for i := 0; i < n; i++ {
			stagedIndices[i] = append(stagedIndices[i], int32(codec.GlobalIndex(stripeIndex, i, n)))
		}
		if stageErr != nil {
			abort()
			return Result{}, apperr.Wrap(apperr.StageFailed, "stage stripe to peers", stageErr)
		}

		stripeIndex++
		if err == io.EOF || read < len(buf) {
			break
		}
	}

	contentHash := hasher.Sum()

	commitGroup, commitCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		commitGroup.Go(func() error {
			for _, idx := range stagedIndices[i] {
				if err := clients[i].CommitShard(commitCtx, uploadID, contentHash, idx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := commitGroup.Wait(); err != nil {
		abort()
		return Result{}, apperr.Wrap(apperr.CommitFailed, "commit shards on all peers", err)
	}

	shardMap := make(objectmeta.ShardMap, stripeIndex)
	for s := 0; s < stripeIndex; s++ {
		peerIDs := make([]string, n)
		for i, p := range targets {
			peerIDs[i] = p.ID
		}
		shardMap[s] = peerIDs
	}

	return c.record(ctx, bucket, key, contentHash, totalSize, shardMap, nil, stripeMeta, stripeSize)
}

func (c *Coordinator) putSingleNode(ctx context.Context, bucket objectmeta.Bucket, key string, body io.Reader) (Result, error) {
	plaintext, err := io.ReadAll(body)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "read client stream", err)
	}

	hasher := codec.NewHasher()
	hasher.Write(plaintext)
	contentHash := hasher.Sum()

	ciphertext, nonce, err := c.Scheme.SealWhole(plaintext, bucket.ID, key)
	if err != nil {
		return Result{}, err
	}

	uploadID := newUploadID()
	if _, err := c.Local.Stage(uploadID, 0, ciphertext); err != nil {
		return Result{}, err
	}
	if err := c.Local.Commit(uploadID, contentHash, []int{0}); err != nil {
		return Result{}, err
	}

	return c.record(ctx, bucket, key, contentHash, int64(len(plaintext)), objectmeta.ShardMap{}, nonce, nil, 0)
}

func (c *Coordinator) record(ctx context.Context, bucket objectmeta.Bucket, key string, contentHash [32]byte, size int64, shardMap objectmeta.ShardMap, nonce []byte, stripeMeta objectmeta.StripeMeta, stripeSize int64) (Result, error) {
	etag := hex.EncodeToString(contentHash[:])
	obj := objectmeta.Object{
		ID:          newUploadID(),
		BucketID:    bucket.ID,
		Key:         key,
		VersionID:   "0",
		ContentHash: contentHash,
		ETag:        etag,
		Size:        size,
		ShardMap:    shardMap,
		Nonce:       nonce,
		StripeMeta:  stripeMeta,
		StripeSize:  stripeSize,
		CreatedAt:   time.Now().UTC(),
	}

	err := c.Meta.InsertObject(ctx, bucket.Region, obj)
	if err == nil {
		return Result{ContentHash: contentHash, ETag: etag, Size: size}, nil
	}
	if !apperr.Is(err, apperr.Conflict) {
		return Result{}, err
	}

	existing, lookupErr := c.Meta.LookupObject(ctx, bucket.Region, bucket.ID, key)
	if lookupErr != nil {
		return Result{}, err
	}
	if existing.ContentHash == contentHash {
		return Result{ContentHash: existing.ContentHash, ETag: existing.ETag, Size: existing.Size}, nil
	}
	return Result{}, apperr.New(apperr.Conflict, fmt.Sprintf("concurrent write to %s/%s with differing content", bucket.ID, key))
}
