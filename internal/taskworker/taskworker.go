// Package taskworker implements the Task Worker (C9): a polling loop
// over the durable task queue that carries out DELETE_OBJECT,
// DELETE_BUCKET, and REBALANCE_SHARD work asynchronously from the
// request path, following the same ticker-plus-context shutdown shape
// as the teacher's internal/coordinator health monitor.
package taskworker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/metadata"
	"github.com/dreamware/anvil/internal/objectmeta"
)

// DefaultPollInterval is how often an idle worker checks for due tasks.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultMaxAttempts bounds the number of times a task is retried
// before it is marked permanently failed.
const DefaultMaxAttempts = 8

// PeerClient is the subset of peertransport.Client the worker needs to
// reclaim shard storage on a peer.
type PeerClient interface {
	RemoveShards(ctx context.Context, contentHash [32]byte, indices []int32) error
}

// Dialer resolves a peer ID to a client able to remove shards on it.
type Dialer func(peerID string) (PeerClient, error)

// DeleteObjectPayload is the JSON body of a DELETE_OBJECT task.
type DeleteObjectPayload struct {
	Region      string              `json:"region"`
	ObjectID    string              `json:"object_id"`
	BucketID    string              `json:"bucket_id"`
	Key         string              `json:"key"`
	ContentHash [32]byte            `json:"content_hash"`
	ShardMap    objectmeta.ShardMap `json:"shard_map"`
	SingleNode  bool                `json:"single_node"`
}

// DeleteBucketPayload is the JSON body of a DELETE_BUCKET task.
type DeleteBucketPayload struct {
	Region   string `json:"region"`
	BucketID string `json:"bucket_id"`
	Cursor   string `json:"cursor"`
}

// Worker drains the durable task queue, one claimed task at a time.
type Worker struct {
	Meta         *metadata.Adapter
	Dial         Dialer
	Log          zerolog.Logger
	PollInterval time.Duration
	MaxAttempts  int
}

// Run polls for due tasks until ctx is cancelled. Each iteration claims
// at most one task; FetchDueTask's FOR UPDATE SKIP LOCKED guarantees no
// other worker claims the same row concurrently.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drainOne(ctx)
		}
	}
}

func (w *Worker) drainOne(ctx context.Context) {
	task, err := w.Meta.FetchDueTask(ctx)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			w.Log.Error().Err(err).Msg("fetch due task")
		}
		return
	}

	runErr := w.dispatch(ctx, task)
	if runErr == nil {
		if err := w.Meta.CompleteTask(ctx, task.ID); err != nil {
			w.Log.Error().Err(err).Str("task_id", task.ID).Msg("mark task completed")
		}
		return
	}

	w.Log.Warn().Err(runErr).Str("task_id", task.ID).Str("type", string(task.Type)).
		Int("attempts", task.Attempts).Msg("task attempt failed")

	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	attempts := task.Attempts + 1
	delay := retryDelay(attempts)
	if err := w.Meta.FailTask(ctx, task.ID, runErr.Error(), attempts, maxAttempts, delay); err != nil {
		w.Log.Error().Err(err).Str("task_id", task.ID).Msg("record task failure")
	}
}

// retryDelay computes an exponential backoff delay for the given
// attempt count: a 2s initial interval grown by
// backoff.ExponentialBackOff's default multiplier and randomization,
// capped at 5 minutes.
func retryDelay(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Second
	eb.MaxInterval = 5 * time.Minute
	eb.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = eb.NextBackOff()
	}
	if d <= 0 {
		d = eb.MaxInterval
	}
	return d
}

func (w *Worker) dispatch(ctx context.Context, task objectmeta.Task) error {
	switch task.Type {
	case objectmeta.TaskDeleteObject:
		return w.handleDeleteObject(ctx, task)
	case objectmeta.TaskDeleteBucket:
		return w.handleDeleteBucket(ctx, task)
	case objectmeta.TaskRebalanceShard:
		// Reserved: the type is part of the queue schema, but nothing in
		// this module enqueues it, and such a task completes without
		// doing any work.
		return nil
	default:
		return apperr.New(apperr.Internal, "unknown task type "+string(task.Type))
	}
}

// handleDeleteObject issues best-effort RemoveShards to every peer
// holding a stripe of the object, then hard-deletes the metadata row.
// Both steps are idempotent: a peer missing the shard already, or a
// row already gone, are not errors.
func (w *Worker) handleDeleteObject(ctx context.Context, task objectmeta.Task) error {
	var payload DeleteObjectPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.DecodeFailed, "decode delete-object payload", err)
	}

	if payload.SingleNode {
		// Single-node objects live only in the local shard store of
		// whichever peer ingested them; nothing to fan out.
		return w.Meta.HardDeleteObject(ctx, payload.Region, payload.ObjectID)
	}

	byPeer := map[string][]int32{}
	for stripeIdx, peers := range payload.ShardMap {
		for i, peerID := range peers {
			byPeer[peerID] = append(byPeer[peerID], globalIndex(stripeIdx, i, len(peers)))
		}
	}

	for peerID, indices := range byPeer {
		client, err := w.Dial(peerID)
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, "dial peer "+peerID+" for shard removal", err)
		}
		if err := client.RemoveShards(ctx, payload.ContentHash, indices); err != nil {
			return apperr.Wrap(apperr.Unavailable, "remove shards on peer "+peerID, err)
		}
	}

	return w.Meta.HardDeleteObject(ctx, payload.Region, payload.ObjectID)
}

// handleDeleteBucket enumerates the bucket's live objects and enqueues
// a DELETE_OBJECT task per key rather than deleting inline, so a bucket
// with many objects degrades to ordinary queue backlog instead of one
// oversized, unretryable transaction.
func (w *Worker) handleDeleteBucket(ctx context.Context, task objectmeta.Task) error {
	var payload DeleteBucketPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.DecodeFailed, "decode delete-bucket payload", err)
	}

	const pageSize = 256
	objs, next, err := w.Meta.ListObjects(ctx, payload.Region, payload.BucketID, "", pageSize, payload.Cursor)
	if err != nil {
		return err
	}

	for _, obj := range objs {
		body := DeleteObjectPayload{
			Region:      payload.Region,
			ObjectID:    obj.ID,
			BucketID:    obj.BucketID,
			Key:         obj.Key,
			ContentHash: obj.ContentHash,
			ShardMap:    obj.ShardMap,
			SingleNode:  obj.SingleNode(),
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "encode delete-object payload", err)
		}
		if _, err := w.Meta.EnqueueTask(ctx, objectmeta.TaskDeleteObject, raw, task.Priority); err != nil {
			return err
		}
	}

	if next != "" {
		cont := DeleteBucketPayload{Region: payload.Region, BucketID: payload.BucketID, Cursor: next}
		raw, err := json.Marshal(cont)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "encode delete-bucket continuation", err)
		}
		_, err = w.Meta.EnqueueTask(ctx, objectmeta.TaskDeleteBucket, raw, task.Priority)
		return err
	}

	return nil
}

func globalIndex(stripeIdx, intraStripeIndex, n int) int32 {
	return int32(stripeIdx*n + intraStripeIndex)
}
