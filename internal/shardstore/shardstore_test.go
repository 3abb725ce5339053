package shardstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "blobs"), filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStageCommitRead(t *testing.T) {
	s := openTestStore(t)
	var hash [32]byte
	copy(hash[:], []byte("content-hash-content-hash-conte"))

	if _, err := s.Stage("upload-1", 0, []byte("shard-0")); err != nil {
		t.Fatalf("Stage(0): %v", err)
	}
	if _, err := s.Stage("upload-1", 1, []byte("shard-1")); err != nil {
		t.Fatalf("Stage(1): %v", err)
	}

	if err := s.Commit("upload-1", hash, []int{0, 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.Read(hash, 0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if !bytes.Equal(got, []byte("shard-0")) {
		t.Fatalf("got %q, want %q", got, "shard-0")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	var hash [32]byte
	copy(hash[:], []byte("content-hash-content-hash-conte"))

	if _, err := s.Stage("upload-2", 0, []byte("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := s.Commit("upload-2", hash, []int{0}); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	// A retried CommitShard RPC for an already-committed shard must succeed.
	if err := s.Commit("upload-2", hash, []int{0}); err != nil {
		t.Fatalf("second Commit should be a no-op success, got: %v", err)
	}
}

func TestAbortDiscardsStagedShards(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Stage("upload-3", 0, []byte("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := s.Abort("upload-3", []int{0}); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	var hash [32]byte
	if err := s.Commit("upload-3", hash, []int{0}); err != nil {
		t.Fatalf("Commit after abort should be a no-op, got: %v", err)
	}
	if _, err := s.Read(hash, 0); err == nil {
		t.Fatal("expected aborted shard to be absent")
	}
}

func TestReadMissingShard(t *testing.T) {
	s := openTestStore(t)
	var hash [32]byte
	if _, err := s.Read(hash, 0); err == nil {
		t.Fatal("expected error reading missing shard")
	}
}

func TestSweepStagingReclaimsOldUploads(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Stage("stale-upload", 0, []byte("x")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	// A TTL of zero treats every currently staged shard as stale.
	n, err := s.SweepStaging(0)
	if err != nil {
		t.Fatalf("SweepStaging: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept shard, got %d", n)
	}

	n, err = s.SweepStaging(time.Hour)
	if err != nil {
		t.Fatalf("second SweepStaging: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no further swept shards, got %d", n)
	}
}
