// Package shardstore implements the local shard store (C2): durable,
// content-addressed storage of erasure-coded shards with two-phase
// stage/commit promotion.
//
// Shard bytes live in a storage.FileStore keyed by on-disk name.
// Staging metadata (which upload owns which staged files, and when
// they were staged) lives in a bbolt ledger so that a crash between
// stage and commit can be swept on restart without scanning the
// filesystem for orphans by mtime alone.
package shardstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/codec"
	"github.com/dreamware/anvil/internal/storage"
)

var ledgerBucket = []byte("staged_shards")

// StagedHandle identifies one shard written under a temporary name,
// pending commit or abort.
type StagedHandle struct {
	UploadID string
	Index    int
	Length   int
}

// Store is the local shard store for one node.
type Store struct {
	blobs  *storage.FileStore
	ledger *bbolt.DB
}

// Open opens (creating if necessary) a shard store rooted at dataDir,
// with its staging ledger at ledgerPath.
func Open(dataDir, ledgerPath string) (*Store, error) {
	blobs, err := storage.NewFileStore(dataDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open shard blob directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "staging"), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create staging directory", err)
	}
	db, err := bbolt.Open(ledgerPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open staging ledger", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Internal, "initialize staging ledger bucket", err)
	}
	return &Store{blobs: blobs, ledger: db}, nil
}

func (s *Store) Close() error {
	return s.ledger.Close()
}

func stagingName(uploadID string, index int) string {
	return fmt.Sprintf("staging/%s-%06d", uploadID, index)
}

// Stage writes a shard under a temporary name scoped to uploadID and
// records it in the staging ledger with the current time, so the
// sweeper can find it if the upload never commits.
func (s *Store) Stage(uploadID string, index int, data []byte) (*StagedHandle, error) {
	name := stagingName(uploadID, index)
	if err := s.blobs.Put(name, data); err != nil {
		return nil, apperr.Wrap(apperr.StageFailed, "write staged shard", err)
	}

	err := s.ledger.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		key := []byte(name)
		val := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		return b.Put(key, val)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.StageFailed, "record staged shard in ledger", err)
	}

	return &StagedHandle{UploadID: uploadID, Index: index, Length: len(data)}, nil
}

// Commit renames every staged shard of uploadID to its permanent,
// content-addressed name. It is idempotent: committing an upload whose
// shards have already been renamed (e.g. a retried CommitShard RPC)
// succeeds without error because the staging name is simply absent.
func (s *Store) Commit(uploadID string, contentHash [32]byte, indices []int) error {
	for _, idx := range indices {
		staged := stagingName(uploadID, idx)
		data, err := s.blobs.Get(staged)
		if err != nil {
			if err == storage.ErrKeyNotFound {
				// Already committed by a prior, retried call.
				continue
			}
			return apperr.Wrap(apperr.CommitFailed, "read staged shard", err)
		}
		final := codec.ShardName(contentHash, idx)
		if err := s.blobs.Put(final, data); err != nil {
			return apperr.Wrap(apperr.CommitFailed, "write committed shard", err)
		}
		if err := s.blobs.Delete(staged); err != nil {
			return apperr.Wrap(apperr.CommitFailed, "remove staged shard after commit", err)
		}
		if err := s.forgetStaged(staged); err != nil {
			return apperr.Wrap(apperr.Internal, "forget staged shard in ledger", err)
		}
	}
	return nil
}

// Abort discards every staged shard belonging to uploadID.
func (s *Store) Abort(uploadID string, indices []int) error {
	for _, idx := range indices {
		staged := stagingName(uploadID, idx)
		if err := s.blobs.Delete(staged); err != nil {
			return apperr.Wrap(apperr.Internal, "delete aborted staged shard", err)
		}
		if err := s.forgetStaged(staged); err != nil {
			return apperr.Wrap(apperr.Internal, "forget aborted shard in ledger", err)
		}
	}
	return nil
}

func (s *Store) forgetStaged(name string) error {
	return s.ledger.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete([]byte(name))
	})
}

// Read returns the bytes of a committed shard.
func (s *Store) Read(contentHash [32]byte, index int) ([]byte, error) {
	data, err := s.blobs.Get(codec.ShardName(contentHash, index))
	if err == storage.ErrKeyNotFound {
		return nil, apperr.New(apperr.NotFound, "shard not present")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read committed shard", err)
	}
	return data, nil
}

// Remove deletes committed shards by content hash and index, used by
// the task worker's DELETE_OBJECT handler and by repair. It is
// idempotent: removing an already-absent shard is not an error.
func (s *Store) Remove(contentHash [32]byte, indices []int) error {
	for _, idx := range indices {
		if err := s.blobs.Delete(codec.ShardName(contentHash, idx)); err != nil {
			return apperr.Wrap(apperr.Internal, "remove committed shard", err)
		}
	}
	return nil
}

// SweepStaging deletes staged shards older than ttl, per the crash
// safety invariant that unreferenced staging files older than the
// staging-TTL are reclaimed on restart.
func (s *Store) SweepStaging(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	var stale [][]byte

	err := s.ledger.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		return b.ForEach(func(k, v []byte) error {
			stagedAt, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return nil
			}
			if stagedAt.Before(cutoff) {
				key := append([]byte(nil), k...)
				stale = append(stale, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "scan staging ledger", err)
	}

	for _, key := range stale {
		if err := s.blobs.Delete(string(key)); err != nil {
			return 0, apperr.Wrap(apperr.Internal, "delete swept staged shard", err)
		}
		if err := s.forgetStaged(string(key)); err != nil {
			return 0, apperr.Wrap(apperr.Internal, "forget swept staged shard", err)
		}
	}
	return len(stale), nil
}
