package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/objectmeta"
)

type fakeMetaResolver struct {
	buckets map[string]objectmeta.Bucket
}

func (f *fakeMetaResolver) ResolveBucket(ctx context.Context, name string) (objectmeta.Bucket, error) {
	b, ok := f.buckets[name]
	if !ok {
		return objectmeta.Bucket{}, apperr.New(apperr.NoSuchBucket, "no such bucket "+name)
	}
	return b, nil
}

type fakeTasks struct {
	enqueued []objectmeta.TaskType
	deleted  []string
}

func (f *fakeTasks) EnqueueTask(ctx context.Context, taskType objectmeta.TaskType, payload []byte, priority int) (string, error) {
	f.enqueued = append(f.enqueued, taskType)
	return "task-1", nil
}

func (f *fakeTasks) SoftDeleteObject(ctx context.Context, region, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestGetObjectOnUnknownBucketReturns404(t *testing.T) {
	meta := &fakeMetaResolver{buckets: map[string]objectmeta.Bucket{}}
	s := NewServer(meta, &fakeTasks{}, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/buckets/missing/objects/some/key.txt", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestDeleteBucketEnqueuesTask(t *testing.T) {
	meta := &fakeMetaResolver{buckets: map[string]objectmeta.Bucket{
		"my-bucket": {ID: "b1", Name: "my-bucket", Region: "us-east"},
	}}
	tasks := &fakeTasks{}
	s := NewServer(meta, tasks, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodDelete, "/buckets/my-bucket", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rec.Code)
	}
	if len(tasks.enqueued) != 1 || tasks.enqueued[0] != objectmeta.TaskDeleteBucket {
		t.Fatalf("expected one DELETE_BUCKET task, got %v", tasks.enqueued)
	}
}

func TestPutObjectOnUnknownBucketReturns404(t *testing.T) {
	// The API layer resolves the bucket before dispatching PUT: a
	// nonexistent bucket is rejected with 404 before the request ever
	// reaches the ingest coordinator (which is nil in this server).
	meta := &fakeMetaResolver{buckets: map[string]objectmeta.Bucket{}}
	s := NewServer(meta, &fakeTasks{}, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPut, "/buckets/missing/objects/a/b.txt", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 for unresolvable bucket", rec.Code)
	}
}
