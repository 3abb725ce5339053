// Package api implements the client-facing HTTP surface: PutObject,
// GetObject, and DeleteObject against the Ingest and Read coordinators,
// plus bucket deletion via the durable task queue. Routing follows the
// teacher's handleShardRequest path-parsing style in cmd/node/main.go,
// generalized from shard IDs to bucket names and object keys.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/cluster"
	"github.com/dreamware/anvil/internal/ingest"
	"github.com/dreamware/anvil/internal/objectmeta"
	"github.com/dreamware/anvil/internal/placement"
	"github.com/dreamware/anvil/internal/read"
)

// BucketResolver is the subset of metadata.Adapter the API needs to
// turn a bucket name into its row, narrowed to an interface so tests
// can substitute an in-memory fake instead of a live database.
type BucketResolver interface {
	ResolveBucket(ctx context.Context, name string) (objectmeta.Bucket, error)
}

// TaskEnqueuer is the subset of metadata.Adapter the API needs to
// schedule asynchronous deletes.
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, taskType objectmeta.TaskType, payload []byte, priority int) (string, error)
	SoftDeleteObject(ctx context.Context, region, id string) error
}

// Server wires the ingest and read coordinators, bucket resolution, and
// the asynchronous delete path behind one http.Handler.
type Server struct {
	Meta   BucketResolver
	Tasks  TaskEnqueuer
	Ingest *ingest.Coordinator
	Read   *read.Coordinator
	Log    zerolog.Logger

	// Membership, ClusterSecret, and FreshnessWindow back the /gossip
	// endpoint peers use to publish heartbeats to each other; Membership
	// is left nil in tests that don't exercise gossip.
	Membership      *cluster.Table
	ClusterSecret   []byte
	FreshnessWindow time.Duration

	// LivePeers supplies the placement engine's candidate set ahead of
	// every PutObject; app.go wires this to Membership.LivePeers. Left
	// nil in tests that drive ingest directly.
	LivePeers func() []placement.Peer

	mux *http.ServeMux
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_api_requests_total",
		Help: "Total client API requests by method and outcome.",
	}, []string{"method", "outcome"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anvil_api_request_duration_seconds",
		Help:    "Client API request latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// NewServer builds the routed handler. The returned *Server implements
// http.Handler.
func NewServer(meta BucketResolver, tasks TaskEnqueuer, ing *ingest.Coordinator, rd *read.Coordinator, log zerolog.Logger) *Server {
	s := &Server{Meta: meta, Tasks: tasks, Ingest: ing, Read: rd, Log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/buckets/", s.handleBucketPath)
	s.mux.HandleFunc("/gossip", s.handleGossip)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleGossip accepts one peer's signed heartbeat (§4.4's wire-stable
// gossip message). A bad signature or a stale timestamp is logged as a
// warning and answered with 401; per testable property 9 it never adds
// the sender to the live peer set. A body that does not decode as a
// heartbeat is answered with 400.
func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	if s.Membership == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var hb cluster.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	accepted := s.Membership.Receive(s.ClusterSecret, hb, time.Now(), s.FreshnessWindow)
	if !accepted {
		s.Log.Warn().Str("peer_id", hb.PeerID).Msg("rejected gossip heartbeat")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBucketPath parses /buckets/{bucket}[/objects/{key...}] and
// dispatches to the object or bucket handlers.
func (s *Server) handleBucketPath(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rest := strings.TrimPrefix(r.URL.Path, "/buckets/")
	bucketName, tail, hasTail := strings.Cut(rest, "/objects/")
	if bucketName == "" {
		s.writeError(w, r.Method, apperr.New(apperr.NotFound, "bucket name required"))
		return
	}

	bucket, err := s.Meta.ResolveBucket(r.Context(), bucketName)
	if err != nil {
		s.writeError(w, r.Method, err)
		return
	}

	if !hasTail {
		if r.Method == http.MethodDelete {
			s.handleDeleteBucket(w, r, bucket)
			requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			return
		}
		s.writeError(w, r.Method, apperr.New(apperr.Internal, "unsupported bucket-level method "+r.Method))
		return
	}

	key := tail
	switch r.Method {
	case http.MethodPut:
		s.handlePutObject(w, r, bucket, key)
	case http.MethodGet:
		s.handleGetObject(w, r, bucket, key)
	case http.MethodDelete:
		s.handleDeleteObject(w, r, bucket, key)
	default:
		s.writeError(w, r.Method, apperr.New(apperr.Internal, "unsupported method "+r.Method))
	}
	requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket objectmeta.Bucket, key string) {
	if s.LivePeers != nil {
		s.Ingest.SetLivePeers(s.LivePeers())
	}
	result, err := s.Ingest.PutObject(r.Context(), bucket, key, r.Body)
	if err != nil {
		s.writeError(w, r.Method, err)
		return
	}
	s.Log.Info().Str("bucket", bucket.Name).Str("key", key).Int64("size", result.Size).Msg("object stored")
	requestsTotal.WithLabelValues(r.Method, "ok").Inc()
	w.Header().Set("ETag", result.ETag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(struct {
		ETag string `json:"etag"`
		Size int64  `json:"size"`
	}{result.ETag, result.Size})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket objectmeta.Bucket, key string) {
	obj, err := s.Read.GetObject(r.Context(), bucket, key, w)
	if err != nil {
		s.writeError(w, r.Method, err)
		return
	}
	w.Header().Set("ETag", obj.ETag)
	requestsTotal.WithLabelValues(r.Method, "ok").Inc()
}

// handleDeleteObject soft-deletes the row immediately (per §8 property,
// a deleted object must become invisible to Get right away) and
// enqueues a DELETE_OBJECT task to reclaim shard storage asynchronously.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket objectmeta.Bucket, key string) {
	obj, err := s.Read.LookupOnly(r.Context(), bucket, key)
	if err != nil {
		s.writeError(w, r.Method, err)
		return
	}

	if err := s.Tasks.SoftDeleteObject(r.Context(), bucket.Region, obj.ID); err != nil {
		s.writeError(w, r.Method, err)
		return
	}

	payload, err := json.Marshal(struct {
		Region      string              `json:"region"`
		ObjectID    string              `json:"object_id"`
		BucketID    string              `json:"bucket_id"`
		Key         string              `json:"key"`
		ContentHash [32]byte            `json:"content_hash"`
		ShardMap    objectmeta.ShardMap `json:"shard_map"`
		SingleNode  bool                `json:"single_node"`
	}{bucket.Region, obj.ID, obj.BucketID, obj.Key, obj.ContentHash, obj.ShardMap, obj.SingleNode()})
	if err != nil {
		s.writeError(w, r.Method, apperr.Wrap(apperr.Internal, "encode delete task payload", err))
		return
	}
	if _, err := s.Tasks.EnqueueTask(r.Context(), objectmeta.TaskDeleteObject, payload, 0); err != nil {
		s.writeError(w, r.Method, err)
		return
	}
	requestsTotal.WithLabelValues(r.Method, "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket objectmeta.Bucket) {
	payload, err := json.Marshal(struct {
		Region   string `json:"region"`
		BucketID string `json:"bucket_id"`
		Cursor   string `json:"cursor"`
	}{bucket.Region, bucket.ID, ""})
	if err != nil {
		s.writeError(w, r.Method, apperr.Wrap(apperr.Internal, "encode delete-bucket task payload", err))
		return
	}
	if _, err := s.Tasks.EnqueueTask(r.Context(), objectmeta.TaskDeleteBucket, payload, 0); err != nil {
		s.writeError(w, r.Method, err)
		return
	}
	requestsTotal.WithLabelValues(r.Method, "ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeError(w http.ResponseWriter, method string, err error) {
	kind := apperr.KindOf(err)
	requestsTotal.WithLabelValues(method, string(kind)).Inc()
	s.Log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")

	status := statusFor(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}{string(kind), err.Error()})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound, apperr.NoSuchBucket:
		return http.StatusNotFound
	case apperr.Forbidden, apperr.AuthFailed:
		return http.StatusForbidden
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Unavailable, apperr.StageFailed, apperr.CommitFailed:
		return http.StatusServiceUnavailable
	case apperr.Corrupt, apperr.HashMismatch:
		return http.StatusUnprocessableEntity
	case apperr.DecodeFailed, apperr.InvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
