package storage

import (
	"bytes"
	"testing"
)

func TestFileStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := store.Get("missing"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	want := []byte("shard bytes")
	if err := store.Put("shard-1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get("shard-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	stats := store.Stats()
	if stats.Keys != 1 || stats.Bytes != len(want) {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := store.Delete("shard-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("shard-1"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
	// Idempotent delete.
	if err := store.Delete("shard-1"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen NewFileStore: %v", err)
	}
	got, err := reopened.Get("k")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}
