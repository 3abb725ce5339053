// Package placement implements rendezvous (highest random weight) hashing
// over the live peer set, generalizing the FNV-1a modulo sharding that
// internal/shard used for single-node key ownership into a deterministic,
// stable placement function over a variable peer set.
package placement

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"
)

// Peer is the minimal view of a cluster member the placement engine
// needs: enough to score it and break ties deterministically.
type Peer struct {
	ID string
}

// scored pairs a peer with its rendezvous score for one placement call.
type scored struct {
	peer  Peer
	score uint64
}

// Place returns an ordered list of up to n distinct peers chosen by
// highest random weight for the given key. Ties are broken by peer ID,
// lexicographically ascending, so that the function is a pure total
// order independent of input slice ordering.
//
// If len(peers) < n, Place returns all peers (still score-ordered); the
// caller is expected to detect the shortfall and fall back to
// single-node mode.
func Place(key string, peers []Peer, n int) []Peer {
	if n <= 0 || len(peers) == 0 {
		return nil
	}

	scoredPeers := make([]scored, len(peers))
	for i, p := range peers {
		scoredPeers[i] = scored{peer: p, score: score(key, p.ID)}
	}

	sort.Slice(scoredPeers, func(i, j int) bool {
		if scoredPeers[i].score != scoredPeers[j].score {
			return scoredPeers[i].score > scoredPeers[j].score
		}
		return scoredPeers[i].peer.ID < scoredPeers[j].peer.ID
	})

	if n > len(scoredPeers) {
		n = len(scoredPeers)
	}
	out := make([]Peer, n)
	for i := 0; i < n; i++ {
		out[i] = scoredPeers[i].peer
	}
	return out
}

// score computes H(key || peer_id) truncated to 64 bits using BLAKE3,
// the same hash family used for content addressing elsewhere in the
// codec, so the cluster carries one hash primitive instead of two.
func score(key, peerID string) uint64 {
	h := blake3.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(peerID))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
