// Package objectmeta defines the data model shared by the metadata
// store adapter, the ingest coordinator, and the read coordinator:
// objects, shard maps, buckets, and durable tasks.
package objectmeta

import "time"

// Object is one committed (or soft-deleted) row in the regional object
// table. ContentHash is immutable after first commit; (BucketID, Key,
// VersionID) is unique.
type Object struct {
	CreatedAt   time.Time
	DeletedAt   *time.Time
	ID          string
	BucketID    string
	Key         string
	VersionID   string
	ContentType string
	ETag        string
	ShardMap    ShardMap
	Nonce       []byte
	StripeMeta  StripeMeta
	ContentHash [32]byte
	Size        int64
	StripeSize  int64
}

// IsDeleted reports whether the object carries a soft-delete timestamp.
func (o Object) IsDeleted() bool { return o.DeletedAt != nil }

// SingleNode reports whether the object was stored whole on one node
// because the live peer set was too small to erasure-code it.
func (o Object) SingleNode() bool { return len(o.ShardMap) == 0 }

// ShardMap maps stripe index to the ordered list of peer identifiers
// holding that stripe's k+m shards, position i holding shard i.
type ShardMap map[int][]string

// StripeInfo carries the per-stripe AEAD nonce and true (unpadded)
// ciphertext length a distributed object's stripe was sealed with.
// Each EncodeStripe call draws a fresh random nonce, so a multi-stripe
// object cannot be decoded from a single object-wide nonce; the
// single-node fallback instead seals the whole object once and keeps
// its nonce on Object.Nonce.
type StripeInfo struct {
	Nonce     []byte `json:"nonce"`
	CipherLen int64  `json:"cipher_len"`
}

// StripeMeta maps stripe index to that stripe's StripeInfo. It is
// empty for single-node objects, which use Object.Nonce instead.
type StripeMeta map[int]StripeInfo

// Bucket is a thin record consulted by authorization and the metadata
// adapter; richer tenant/app/policy records are out of scope for the
// core and are represented here only to the extent ingest/read need
// them.
type Bucket struct {
	DeletedAt *time.Time
	ID        string
	Name      string
	Region    string
	TenantID  string
	PublicRead bool
}

// IsDeleted reports whether the bucket is soft-deleted; per the design
// decision in DESIGN.md, a soft-deleted bucket is treated as absent for
// all data-plane operations.
func (b Bucket) IsDeleted() bool { return b.DeletedAt != nil }

// TaskType enumerates the durable task kinds the core defines.
type TaskType string

const (
	TaskDeleteObject   TaskType = "DELETE_OBJECT"
	TaskDeleteBucket   TaskType = "DELETE_BUCKET"
	TaskRebalanceShard TaskType = "REBALANCE_SHARD"
)

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a durable, retryable unit of asynchronous work.
type Task struct {
	ScheduledAt time.Time
	ID          string
	Type        TaskType
	Payload     []byte
	Status      TaskStatus
	LastError   string
	Priority    int
	Attempts    int
}
