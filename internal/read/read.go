// Package read implements the Read Coordinator (C8): resolve metadata,
// collect shards from the local store and peers, reconstruct via the
// codec, and stream plaintext out while verifying the running hash.
package read

import (
	"context"
	"io"
	"sync"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/codec"
	"github.com/dreamware/anvil/internal/metadata"
	"github.com/dreamware/anvil/internal/objectmeta"
	"github.com/dreamware/anvil/internal/shardstore"
)

// PeerClient is the fetch-only subset of peertransport.Client the
// read coordinator needs.
type PeerClient interface {
	FetchShard(ctx context.Context, contentHash [32]byte, index int32) ([]byte, error)
}

// Dialer resolves a peer ID to a client able to serve FetchShard.
type Dialer func(peerID string) (PeerClient, error)

// Coordinator drives GetObject for one node.
type Coordinator struct {
	Scheme *codec.Scheme
	Meta   *metadata.Adapter
	Local  *shardstore.Store
	Dial   Dialer
}

// GetObject resolves (bucket, key) and writes the reconstructed
// plaintext to w. It returns Corrupt if the fully reconstructed
// object's hash does not match the stored content hash.
func (c *Coordinator) GetObject(ctx context.Context, bucket objectmeta.Bucket, key string, w io.Writer) (objectmeta.Object, error) {
	obj, err := c.Meta.LookupObject(ctx, bucket.Region, bucket.ID, key)
	if err != nil {
		return objectmeta.Object{}, err
	}

	hasher := codec.NewHasher()

	if obj.SingleNode() {
		if err := c.streamSingleNode(obj, bucket, key, w, hasher); err != nil {
			return objectmeta.Object{}, err
		}
	} else {
		if err := c.streamDistributed(ctx, obj, bucket, key, w, hasher); err != nil {
			return objectmeta.Object{}, err
		}
	}

	if hasher.Sum() != obj.ContentHash {
		return objectmeta.Object{}, apperr.New(apperr.Corrupt, "reconstructed content hash mismatch")
	}
	return obj, nil
}

// LookupOnly resolves (bucket, key) to its metadata row without
// reading any shard data, used by the API layer's delete path to find
// the content hash and shard map to enqueue for reclamation.
func (c *Coordinator) LookupOnly(ctx context.Context, bucket objectmeta.Bucket, key string) (objectmeta.Object, error) {
	return c.Meta.LookupObject(ctx, bucket.Region, bucket.ID, key)
}

func (c *Coordinator) streamSingleNode(obj objectmeta.Object, bucket objectmeta.Bucket, key string, w io.Writer, hasher *codec.Hasher) error {
	ciphertext, err := c.Local.Read(obj.ContentHash, 0)
	if err != nil {
		return apperr.Wrap(apperr.Corrupt, "single-node object file missing", err)
	}
	plaintext, err := c.Scheme.OpenWhole(ciphertext, obj.Nonce, bucket.ID, key)
	if err != nil {
		return err
	}
	hasher.Write(plaintext)
	_, err = w.Write(plaintext)
	return err
}

func (c *Coordinator) streamDistributed(ctx context.Context, obj objectmeta.Object, bucket objectmeta.Bucket, key string, w io.Writer, hasher *codec.Hasher) error {
	n := c.Scheme.N()
	k := c.Scheme.K

	for stripeIdx := 0; stripeIdx < len(obj.ShardMap); stripeIdx++ {
		peers, ok := obj.ShardMap[stripeIdx]
		if !ok {
			return apperr.New(apperr.Corrupt, "shard map missing stripe entry")
		}

		shards, have := c.fetchStripeShards(ctx, obj.ContentHash, stripeIdx, peers, n, k)
		if have < k {
			return apperr.New(apperr.Unavailable, "fewer than k shards reachable for stripe")
		}

		info, ok := obj.StripeMeta[stripeIdx]
		if !ok {
			return apperr.New(apperr.Corrupt, "stripe metadata missing nonce and ciphertext length")
		}
		plaintext, err := c.Scheme.DecodeStripe(shards, int(info.CipherLen), info.Nonce, bucket.ID, key)
		if err != nil {
			return err
		}
		hasher.Write(plaintext)
		if _, err := w.Write(plaintext); err != nil {
			return apperr.Wrap(apperr.Internal, "write stripe to client", err)
		}
	}
	return nil
}

// fetchOne tries the local shard store first, then the peer named in
// the shard map, preferring local data to avoid a network round trip.
func (c *Coordinator) fetchOne(ctx context.Context, contentHash [32]byte, index int32, peerID string) ([]byte, error) {
	if data, err := c.Local.Read(contentHash, int(index)); err == nil {
		return data, nil
	}
	client, err := c.Dial(peerID)
	if err != nil {
		return nil, err
	}
	return client.FetchShard(ctx, contentHash, index)
}

// fetchStripeShards launches up to k+1 concurrent FetchShard attempts
// for one stripe, preferring local shards, and stops collecting as
// soon as k have succeeded; it does not cancel the stragglers, which
// simply finish and are discarded.
func (c *Coordinator) fetchStripeShards(ctx context.Context, contentHash [32]byte, stripeIdx int, peers []string, n, k int) ([][]byte, int) {
	shards := make([][]byte, n)
	attempts := k + 1
	if attempts > n {
		attempts = n
	}
	if attempts > len(peers) {
		attempts = len(peers)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	have := 0

	for i := 0; i < attempts; i++ {
		i := i
		globalIndex := codec.GlobalIndex(stripeIdx, i, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.fetchOne(ctx, contentHash, int32(globalIndex), peers[i])
			if err != nil {
				return
			}
			mu.Lock()
			if have < k {
				shards[i] = data
				have++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return shards, have
}
