// Package app is the composition root both cmd/node and cmd/coordinator
// call into: it connects the databases, builds the codec scheme, opens
// the local shard store, starts the peer transport server and gossiper,
// and wires the ingest/read coordinators and HTTP API together. Keeping
// this assembly out of cmd/ lets both binaries share it verbatim, the
// way the teacher's cmd/node and cmd/coordinator each stayed a thin
// main() over a handful of internal packages.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/dreamware/anvil/internal/api"
	"github.com/dreamware/anvil/internal/apperr"
	"github.com/dreamware/anvil/internal/cluster"
	"github.com/dreamware/anvil/internal/codec"
	"github.com/dreamware/anvil/internal/config"
	"github.com/dreamware/anvil/internal/ingest"
	"github.com/dreamware/anvil/internal/metadata"
	"github.com/dreamware/anvil/internal/peertransport"
	"github.com/dreamware/anvil/internal/placement"
	"github.com/dreamware/anvil/internal/read"
	"github.com/dreamware/anvil/internal/shardstore"
	"github.com/dreamware/anvil/internal/taskworker"
)

// Node is an assembled peer daemon: membership gossiper, peer transport
// gRPC server, local shard store, and the ingest/read coordinators
// behind the client API. cmd/coordinator additionally attaches a
// taskworker.Worker on top of the same Node.
type Node struct {
	Cfg    *config.Config
	Log    zerolog.Logger
	Meta   *metadata.Adapter
	Local  *shardstore.Store
	Table  *cluster.Table
	API    *api.Server

	grpcServer *grpc.Server
	peerConns  map[string]*peertransport.Client
	mu         sync.Mutex
}

// New connects to the configured databases, opens local storage, and
// assembles every component short of actually listening on a socket;
// call Run to start serving.
func New(cfg *config.Config, log zerolog.Logger) (*Node, error) {
	global, err := pgxpool.New(context.Background(), cfg.GlobalDBURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "connect global database", err)
	}

	regional := make(map[string]*pgxpool.Pool, len(cfg.RegionDBURLs))
	for region, dsn := range cfg.RegionDBURLs {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, fmt.Sprintf("connect regional database %s", region), err)
		}
		regional[region] = pool
	}

	meta := metadata.New(global, regional)

	atRestKey, err := cfg.AtRestKey()
	if err != nil {
		return nil, err
	}
	scheme, err := codec.NewScheme(atRestKey, cfg.K, cfg.M)
	if err != nil {
		return nil, err
	}

	local, err := shardstore.Open(cfg.DataDir+"/blobs", cfg.DataDir+"/staging-ledger.db")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open local shard store", err)
	}

	table := cluster.NewTable(cfg.LivenessWindow, cfg.EvictionWindow)

	n := &Node{
		Cfg:       cfg,
		Log:       log,
		Meta:      meta,
		Local:     local,
		Table:     table,
		peerConns: make(map[string]*peertransport.Client),
	}

	clusterSecret, err := cfg.ClusterSecret()
	if err != nil {
		return nil, err
	}
	tokenSecret, err := cfg.TokenSecret()
	if err != nil {
		return nil, err
	}

	ing := &ingest.Coordinator{
		Scheme:     scheme,
		Meta:       meta,
		Local:      local,
		Dial:       n.dialIngest(tokenSecret),
		SelfPeerID: cfg.PeerID,
		StripeSize: cfg.StripeSize,
	}
	rd := &read.Coordinator{
		Scheme: scheme,
		Meta:   meta,
		Local:  local,
		Dial:   n.dialRead(tokenSecret),
	}

	n.API = api.NewServer(meta, meta, ing, rd, log)
	n.API.Membership = table
	n.API.ClusterSecret = clusterSecret
	n.API.FreshnessWindow = 30 * time.Second
	n.API.LivePeers = func() []placement.Peer {
		live := table.LivePeers()
		peers := make([]placement.Peer, len(live))
		for i, rec := range live {
			peers[i] = placement.Peer{ID: rec.PeerID}
		}
		return peers
	}

	n.grpcServer = grpc.NewServer()
	n.grpcServer.RegisterService(&peertransport.ServiceDesc, peertransport.NewPeerServer(local, tokenSecret))

	return n, nil
}

// connPeer dials (or reuses) a gRPC client connection to peerID,
// resolved to a transport address via the live peer table.
func (n *Node) connPeer(peerID string, tokenSecret []byte) (*peertransport.Client, error) {
	n.mu.Lock()
	if c, ok := n.peerConns[peerID]; ok {
		n.mu.Unlock()
		return c, nil
	}
	n.mu.Unlock()

	rec, ok := n.Table.Get(peerID)
	if !ok || len(rec.TransportAddrs) == 0 {
		return nil, apperr.New(apperr.Unavailable, "no known transport address for peer "+peerID)
	}
	client, err := peertransport.Dial(context.Background(), rec.TransportAddrs[0], tokenSecret, n.Cfg.PeerID, false)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.peerConns[peerID] = client
	n.mu.Unlock()
	return client, nil
}

// ingestPeerClient adapts peertransport.Client to ingest.PeerClient.
type ingestPeerClient struct{ c *peertransport.Client }

func (a ingestPeerClient) StageShard(ctx context.Context, uploadID string, index int32, data []byte) (ingest.StageAck, error) {
	ack, err := a.c.StageShard(ctx, uploadID, index, data)
	return ingest.StageAck{StagedLength: ack.StagedLength}, err
}

func (a ingestPeerClient) CommitShard(ctx context.Context, uploadID string, contentHash [32]byte, index int32) error {
	_, err := a.c.CommitShard(ctx, peertransport.CommitShardRequest{UploadID: uploadID, ContentHash: contentHash, Index: index})
	return err
}

func (a ingestPeerClient) StageAbort(ctx context.Context, uploadID string, indices []int32) error {
	return a.c.StageAbort(ctx, peertransport.StageAbortRequest{UploadID: uploadID, Indices: indices})
}

func (n *Node) dialIngest(tokenSecret []byte) ingest.Dialer {
	return func(peerID string) (ingest.PeerClient, error) {
		c, err := n.connPeer(peerID, tokenSecret)
		if err != nil {
			return nil, err
		}
		return ingestPeerClient{c}, nil
	}
}

// readPeerClient adapts peertransport.Client to read.PeerClient.
type readPeerClient struct{ c *peertransport.Client }

func (a readPeerClient) FetchShard(ctx context.Context, contentHash [32]byte, index int32) ([]byte, error) {
	return a.c.FetchShard(ctx, peertransport.FetchShardRequest{ContentHash: contentHash, Index: index})
}

func (n *Node) dialRead(tokenSecret []byte) read.Dialer {
	return func(peerID string) (read.PeerClient, error) {
		c, err := n.connPeer(peerID, tokenSecret)
		if err != nil {
			return nil, err
		}
		return readPeerClient{c}, nil
	}
}

// taskPeerClient adapts peertransport.Client to taskworker.PeerClient.
type taskPeerClient struct{ c *peertransport.Client }

func (a taskPeerClient) RemoveShards(ctx context.Context, contentHash [32]byte, indices []int32) error {
	return a.c.RemoveShards(ctx, peertransport.RemoveShardsRequest{ContentHash: contentHash, Indices: indices})
}

func (n *Node) dialTasks(tokenSecret []byte) taskworker.Dialer {
	return func(peerID string) (taskworker.PeerClient, error) {
		c, err := n.connPeer(peerID, tokenSecret)
		if err != nil {
			return nil, err
		}
		return taskPeerClient{c}, nil
	}
}

// NewTaskWorker builds a Worker wired to this node's metadata adapter
// and peer dialer. Only cmd/coordinator calls this.
func (n *Node) NewTaskWorker() (*taskworker.Worker, error) {
	tokenSecret, err := n.Cfg.TokenSecret()
	if err != nil {
		return nil, err
	}
	return &taskworker.Worker{
		Meta:         n.Meta,
		Dial:         n.dialTasks(tokenSecret),
		Log:          n.Log,
		PollInterval: n.Cfg.TaskPollInterval,
		MaxAttempts:  n.Cfg.TaskMaxAttempts,
	}, nil
}

// Run starts the peer transport gRPC server, the gossiper, and the
// client HTTP API, and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.Cfg.PeerListenAddr)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "listen peer transport", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Log.Info().Str("addr", n.Cfg.PeerListenAddr).Msg("peer transport listening")
		if err := n.grpcServer.Serve(lis); err != nil {
			errCh <- apperr.Wrap(apperr.Internal, "peer transport server", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", n.API)
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{
		Addr:              n.Cfg.APIListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.Log.Info().Str("addr", n.Cfg.APIListenAddr).Msg("client API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- apperr.Wrap(apperr.Internal, "client API server", err)
		}
	}()

	clusterSecret, err := n.Cfg.ClusterSecret()
	if err != nil {
		return err
	}
	gossiper := &cluster.Gossiper{
		PeerID:    n.Cfg.PeerID,
		Secret:    clusterSecret,
		Addrs:     n.Cfg.PeerPublicAddrs,
		APIAddr:   n.Cfg.APIPublicAddr,
		Table:     n.Table,
		Interval:  n.Cfg.HeartbeatInterval,
		Bootstrap: n.Cfg.BootstrapPeers,
		Publish:   publishGossip,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gossiper.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		n.Log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	n.grpcServer.GracefulStop()
	wg.Wait()
	return nil
}

// publishGossip fans a signed heartbeat out to every target address's
// /gossip endpoint, best-effort: a single unreachable peer does not
// abort the tick.
func publishGossip(ctx context.Context, targets []string, hb cluster.Heartbeat) {
	client := &http.Client{Timeout: 2 * time.Second}
	for _, addr := range targets {
		if addr == "" {
			continue
		}
		raw, err := json.Marshal(hb)
		if err != nil {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/gossip", bytes.NewReader(raw))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
	}
}
