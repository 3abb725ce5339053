package cluster

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default membership tunables from the wire-stable gossip contract.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultFreshnessWindow   = 30 * time.Second
	DefaultLivenessWindow    = 10 * time.Second
	DefaultEvictionWindow    = 60 * time.Second
)

// LiveState is a peer's membership status as observed locally.
type LiveState string

const (
	StateLive    LiveState = "live"
	StateSuspect LiveState = "suspect"
)

// Heartbeat is the wire-stable gossip message a node publishes about
// itself on every tick.
type Heartbeat struct {
	PeerID          string   `json:"peer_id"`
	TransportAddrs  []string `json:"transport_addrs"`
	APIAddr         string   `json:"api_addr"`
	Timestamp       int64    `json:"timestamp"`
	Signature       []byte   `json:"signature"`
}

// canonicalBytes produces the deterministic byte sequence the HMAC is
// computed over. Field order and separators are part of the wire
// contract: changing them breaks compatibility with already-deployed
// peers.
func canonicalBytes(peerID string, addrs []string, apiAddr string, ts int64) []byte {
	buf := []byte(peerID)
	buf = append(buf, 0)
	for _, a := range addrs {
		buf = append(buf, []byte(a)...)
		buf = append(buf, ',')
	}
	buf = append(buf, 0)
	buf = append(buf, []byte(apiAddr)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(fmt.Sprintf("%d", ts))...)
	return buf
}

// Sign computes the HMAC-SHA256 signature for a heartbeat and returns a
// fully populated Heartbeat ready to publish.
func Sign(secret []byte, peerID string, addrs []string, apiAddr string, now time.Time) Heartbeat {
	ts := now.Unix()
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalBytes(peerID, addrs, apiAddr, ts))
	return Heartbeat{
		PeerID:         peerID,
		TransportAddrs: addrs,
		APIAddr:        apiAddr,
		Timestamp:      ts,
		Signature:      mac.Sum(nil),
	}
}

// Verify checks a heartbeat's HMAC against the shared cluster secret.
// It does not check freshness; callers apply the freshness window
// separately so that the two failure modes (bad signature vs stale
// clock) can be logged and counted independently.
func Verify(secret []byte, hb Heartbeat) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalBytes(hb.PeerID, hb.TransportAddrs, hb.APIAddr, hb.Timestamp))
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, hb.Signature) == 1
}

// PeerRecord is a node's local view of one other cluster member.
type PeerRecord struct {
	LastSeen       time.Time
	PeerID         string
	TransportAddrs []string
	APIAddr        string
	State          LiveState
}

// Table is the live peer table owned by this package per §9's ownership
// rule: every other component takes a read-only snapshot via Snapshot
// or LivePeers rather than holding a reference into the table.
type Table struct {
	mu             sync.RWMutex
	peers          map[string]PeerRecord
	livenessWindow time.Duration
	evictionWindow time.Duration
}

// NewTable constructs an empty live peer table with the given liveness
// and eviction windows.
func NewTable(livenessWindow, evictionWindow time.Duration) *Table {
	return &Table{
		peers:          make(map[string]PeerRecord),
		livenessWindow: livenessWindow,
		evictionWindow: evictionWindow,
	}
}

// Upsert records a freshly verified heartbeat, marking the sender live
// and refreshing its LastSeen.
func (t *Table) Upsert(hb Heartbeat, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[hb.PeerID] = PeerRecord{
		PeerID:         hb.PeerID,
		TransportAddrs: hb.TransportAddrs,
		APIAddr:        hb.APIAddr,
		LastSeen:       now,
		State:          StateLive,
	}
}

// Sweep reevaluates every peer's state against now, moving stale live
// peers to suspect and dropping peers that have exceeded the eviction
// window. It returns the IDs evicted in this pass.
func (t *Table) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, rec := range t.peers {
		age := now.Sub(rec.LastSeen)
		switch {
		case age > t.evictionWindow:
			delete(t.peers, id)
			evicted = append(evicted, id)
		case age > t.livenessWindow:
			rec.State = StateSuspect
			t.peers[id] = rec
		}
	}
	return evicted
}

// Snapshot copies out every known peer record, live or suspect. Callers
// must not retain a reference into the table itself; this is the copy
// described in §9 to avoid holding the read lock across suspension.
func (t *Table) Snapshot() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// LivePeers returns only the peers currently in StateLive, suitable for
// feeding the placement engine: suspect peers are excluded from new
// placement decisions but remain valid read targets via Snapshot.
func (t *Table) LivePeers() []PeerRecord {
	all := t.Snapshot()
	out := all[:0:0]
	for _, rec := range all {
		if rec.State == StateLive {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns the current record for a single peer, if known.
func (t *Table) Get(peerID string) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.peers[peerID]
	return rec, ok
}

// Receive validates and, if valid, applies an inbound heartbeat to the
// table. It enforces both the freshness window and the HMAC check
// before any mutation, so an attacker who replays an old, validly
// signed heartbeat cannot resurrect an evicted peer.
func (t *Table) Receive(secret []byte, hb Heartbeat, now time.Time, freshnessWindow time.Duration) bool {
	age := now.Unix() - hb.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > freshnessWindow {
		return false
	}
	if !Verify(secret, hb) {
		return false
	}
	t.Upsert(hb, now)
	return true
}

// Gossiper runs the periodic heartbeat publication loop described in
// §4.4: every tick it signs a fresh heartbeat and publishes it to every
// currently known peer plus the configured bootstrap addresses, via the
// supplied publish function (kept abstract so tests can substitute an
// in-memory fan-out instead of real network I/O).
type Gossiper struct {
	PeerID    string
	Secret    []byte
	Addrs     []string
	APIAddr   string
	Table     *Table
	Interval  time.Duration
	Publish   func(ctx context.Context, targets []string, hb Heartbeat)
	Bootstrap []string
}

// Run drives the heartbeat and sweep loop until ctx is cancelled.
func (g *Gossiper) Run(ctx context.Context) {
	interval := g.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.tick(ctx, now)
		}
	}
}

func (g *Gossiper) tick(ctx context.Context, now time.Time) {
	hb := Sign(g.Secret, g.PeerID, g.Addrs, g.APIAddr, now)

	targets := make(map[string]struct{})
	for _, addr := range g.Bootstrap {
		targets[addr] = struct{}{}
	}
	for _, rec := range g.Table.Snapshot() {
		targets[rec.APIAddr] = struct{}{}
	}
	addrList := make([]string, 0, len(targets))
	for addr := range targets {
		addrList = append(addrList, addr)
	}

	if g.Publish != nil {
		g.Publish(ctx, addrList, hb)
	}
	g.Table.Sweep(now)
}
