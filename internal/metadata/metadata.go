// Package metadata wraps the two logical SQL databases the core
// depends on: a global store for tenants/buckets/apps/policies/tasks,
// and one regional store per region for object rows. The core treats
// each as an opaque *pgxpool.Pool handle; no cross-database joins are
// issued.
//
// Grounded on the pgx/v5 pool usage pattern shown in LerianStudio-midaz's
// go.mod dependency on jackc/pgx/v5, generalized here into the adapter
// shape spec.md's metadata contract calls for.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/objectmeta"
)

// Adapter is the metadata store adapter (C6): one pool for the global
// database, one per region for object rows.
type Adapter struct {
	global   *pgxpool.Pool
	regional map[string]*pgxpool.Pool
}

// New builds an Adapter from an already-connected global pool and a
// region-name-keyed map of regional pools.
func New(global *pgxpool.Pool, regional map[string]*pgxpool.Pool) *Adapter {
	return &Adapter{global: global, regional: regional}
}

func (a *Adapter) regionPool(region string) (*pgxpool.Pool, error) {
	pool, ok := a.regional[region]
	if !ok {
		return nil, apperr.New(apperr.Internal, "no regional pool configured for region "+region)
	}
	return pool, nil
}

// ResolveBucket looks up a bucket by name, treating a soft-deleted
// bucket as absent for data-plane purposes.
func (a *Adapter) ResolveBucket(ctx context.Context, name string) (objectmeta.Bucket, error) {
	row := a.global.QueryRow(ctx, `
		SELECT id, name, region, tenant_id, public_read, deleted_at
		FROM buckets WHERE name = $1`, name)

	var b objectmeta.Bucket
	var deletedAt *time.Time
	if err := row.Scan(&b.ID, &b.Name, &b.Region, &b.TenantID, &b.PublicRead, &deletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return objectmeta.Bucket{}, apperr.New(apperr.NoSuchBucket, "bucket not found: "+name)
		}
		return objectmeta.Bucket{}, apperr.Wrap(apperr.Internal, "resolve bucket", err)
	}
	b.DeletedAt = deletedAt
	if b.IsDeleted() {
		return objectmeta.Bucket{}, apperr.New(apperr.NoSuchBucket, "bucket soft-deleted: "+name)
	}
	return b, nil
}

// BeginObjectWrite reserves an object identity ahead of staging. The
// reservation is optimistic: no row is inserted until InsertObject.
func (a *Adapter) BeginObjectWrite(bucketID, key string) string {
	return uuid.NewString()
}

// InsertObject writes the final object row, relying on the unique
// constraint over (bucket_id, key, version_id) rather than a prior
// read to resolve concurrent writers.
func (a *Adapter) InsertObject(ctx context.Context, region string, obj objectmeta.Object) error {
	pool, err := a.regionPool(region)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO objects (id, bucket_id, key, version_id, content_hash, etag, size,
			content_type, stripe_size, nonce, shard_map, stripe_meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		obj.ID, obj.BucketID, obj.Key, obj.VersionID, obj.ContentHash[:], obj.ETag, obj.Size,
		obj.ContentType, obj.StripeSize, obj.Nonce, encodeShardMap(obj.ShardMap), encodeStripeMeta(obj.StripeMeta), obj.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Wrap(apperr.Conflict, "object already exists for (bucket, key, version)", err)
		}
		return apperr.Wrap(apperr.Internal, "insert object row", err)
	}
	return nil
}

// LookupObject returns the latest non-deleted row for (bucketID, key).
func (a *Adapter) LookupObject(ctx context.Context, region, bucketID, key string) (objectmeta.Object, error) {
	pool, err := a.regionPool(region)
	if err != nil {
		return objectmeta.Object{}, err
	}

	row := pool.QueryRow(ctx, `
		SELECT id, bucket_id, key, version_id, content_hash, etag, size, content_type,
			stripe_size, nonce, shard_map, stripe_meta, created_at, deleted_at
		FROM objects
		WHERE bucket_id = $1 AND key = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, bucketID, key)

	var obj objectmeta.Object
	var contentHash, shardMapRaw, stripeMetaRaw []byte
	var deletedAt *time.Time
	err = row.Scan(&obj.ID, &obj.BucketID, &obj.Key, &obj.VersionID, &contentHash, &obj.ETag,
		&obj.Size, &obj.ContentType, &obj.StripeSize, &obj.Nonce, &shardMapRaw, &stripeMetaRaw, &obj.CreatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return objectmeta.Object{}, apperr.New(apperr.NotFound, "no such object")
		}
		return objectmeta.Object{}, apperr.Wrap(apperr.Internal, "lookup object", err)
	}
	copy(obj.ContentHash[:], contentHash)
	obj.ShardMap = decodeShardMap(shardMapRaw)
	obj.StripeMeta = decodeStripeMeta(stripeMetaRaw)
	obj.DeletedAt = deletedAt
	return obj, nil
}

// ListObjects answers a prefix+delimiter query. The core keeps a
// hierarchical index (a path-ordered label tree over slash-delimited
// keys) out of scope for this adapter's minimal form; the adapter
// issues a prefix range scan that a later iteration can replace with
// the indexed tree traversal without changing this signature.
func (a *Adapter) ListObjects(ctx context.Context, region, bucketID, prefix string, limit int, cursor string) ([]objectmeta.Object, string, error) {
	pool, err := a.regionPool(region)
	if err != nil {
		return nil, "", err
	}

	rows, err := pool.Query(ctx, `
		SELECT id, bucket_id, key, version_id, content_hash, etag, size, content_type,
			stripe_size, nonce, shard_map, created_at
		FROM objects
		WHERE bucket_id = $1 AND key LIKE $2 AND key > $3 AND deleted_at IS NULL
		ORDER BY key ASC LIMIT $4`, bucketID, prefix+"%", cursor, limit)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "list objects", err)
	}
	defer rows.Close()

	var out []objectmeta.Object
	for rows.Next() {
		var obj objectmeta.Object
		var contentHash, shardMapRaw []byte
		if err := rows.Scan(&obj.ID, &obj.BucketID, &obj.Key, &obj.VersionID, &contentHash, &obj.ETag,
			&obj.Size, &obj.ContentType, &obj.StripeSize, &obj.Nonce, &shardMapRaw, &obj.CreatedAt); err != nil {
			return nil, "", apperr.Wrap(apperr.Internal, "scan listed object", err)
		}
		copy(obj.ContentHash[:], contentHash)
		obj.ShardMap = decodeShardMap(shardMapRaw)
		out = append(out, obj)
	}

	next := ""
	if len(out) == limit && limit > 0 {
		next = out[len(out)-1].Key
	}
	return out, next, rows.Err()
}

// SoftDeleteObject sets deleted_at on the object's row.
func (a *Adapter) SoftDeleteObject(ctx context.Context, region, id string) error {
	pool, err := a.regionPool(region)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `UPDATE objects SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "soft delete object", err)
	}
	return nil
}

// HardDeleteObject physically removes the row; the task worker calls
// this only after shard removal has completed on every holding peer.
func (a *Adapter) HardDeleteObject(ctx context.Context, region, id string) error {
	pool, err := a.regionPool(region)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `DELETE FROM objects WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "hard delete object", err)
	}
	return nil
}

// EnqueueTask inserts a pending task row in the global store.
func (a *Adapter) EnqueueTask(ctx context.Context, taskType objectmeta.TaskType, payload []byte, priority int) (string, error) {
	id := uuid.NewString()
	_, err := a.global.Exec(ctx, `
		INSERT INTO tasks (id, type, payload, priority, status, scheduled_at, attempts)
		VALUES ($1, $2, $3, $4, 'pending', now(), 0)`,
		id, taskType, payload, priority)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "enqueue task", err)
	}
	return id, nil
}

// FetchDueTask claims the oldest, highest-priority pending task using
// FOR UPDATE SKIP LOCKED so that multiple task workers never execute
// the same task concurrently.
func (a *Adapter) FetchDueTask(ctx context.Context) (objectmeta.Task, error) {
	tx, err := a.global.Begin(ctx)
	if err != nil {
		return objectmeta.Task{}, apperr.Wrap(apperr.Internal, "begin task fetch transaction", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, type, payload, priority, status, scheduled_at, attempts, last_error
		FROM tasks
		WHERE status = 'pending' AND scheduled_at <= now()
		ORDER BY priority ASC, scheduled_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)

	var task objectmeta.Task
	var lastError *string
	err = row.Scan(&task.ID, &task.Type, &task.Payload, &task.Priority, &task.Status,
		&task.ScheduledAt, &task.Attempts, &lastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return objectmeta.Task{}, apperr.New(apperr.NotFound, "no due task")
		}
		return objectmeta.Task{}, apperr.Wrap(apperr.Internal, "fetch due task", err)
	}
	if lastError != nil {
		task.LastError = *lastError
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = 'running' WHERE id = $1`, task.ID); err != nil {
		return objectmeta.Task{}, apperr.Wrap(apperr.Internal, "mark task running", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return objectmeta.Task{}, apperr.Wrap(apperr.Internal, "commit task claim", err)
	}
	task.Status = objectmeta.TaskRunning
	return task, nil
}

// CompleteTask marks a task completed.
func (a *Adapter) CompleteTask(ctx context.Context, id string) error {
	_, err := a.global.Exec(ctx, `UPDATE tasks SET status = 'completed' WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "complete task", err)
	}
	return nil
}

// FailTask records a failed attempt. If attempts has not yet reached
// maxAttempts, the task is requeued to pending with an exponential
// backoff delay; otherwise it is marked failed permanently.
func (a *Adapter) FailTask(ctx context.Context, id, lastError string, attempts, maxAttempts int, retryDelay time.Duration) error {
	if attempts >= maxAttempts {
		_, err := a.global.Exec(ctx, `
			UPDATE tasks SET status = 'failed', attempts = $2, last_error = $3 WHERE id = $1`,
			id, attempts, lastError)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "mark task failed", err)
		}
		return nil
	}
	_, err := a.global.Exec(ctx, `
		UPDATE tasks SET status = 'pending', attempts = $2, last_error = $3,
			scheduled_at = now() + make_interval(secs => $4)
		WHERE id = $1`,
		id, attempts, lastError, retryDelay.Seconds())
	if err != nil {
		return apperr.Wrap(apperr.Internal, "requeue failed task", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
