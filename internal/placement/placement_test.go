package placement

import "testing"

func samplePeers(n int) []Peer {
	ids := []string{"peer-a", "peer-b", "peer-c", "peer-d", "peer-e", "peer-f", "peer-g"}
	peers := make([]Peer, 0, n)
	for i := 0; i < n && i < len(ids); i++ {
		peers = append(peers, Peer{ID: ids[i]})
	}
	return peers
}

func TestPlaceDeterministic(t *testing.T) {
	peers := samplePeers(6)
	a := Place("bucket/key-one", peers, 4)
	b := Place("bucket/key-one", peers, 4)

	if len(a) != 4 || len(b) != 4 {
		t.Fatalf("expected 4 peers, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("placement not deterministic at index %d: %s != %s", i, a[i].ID, b[i].ID)
		}
	}
}

func TestPlaceOrderIndependentOfInput(t *testing.T) {
	peers := samplePeers(6)
	reversed := make([]Peer, len(peers))
	for i, p := range peers {
		reversed[len(peers)-1-i] = p
	}

	a := Place("some/key", peers, 4)
	b := Place("some/key", reversed, 4)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("placement depends on input order at index %d", i)
		}
	}
}

func TestPlaceFallbackWhenShortOfN(t *testing.T) {
	peers := samplePeers(3)
	got := Place("any-key", peers, 6)
	if len(got) != 3 {
		t.Fatalf("expected all 3 available peers returned, got %d", len(got))
	}
}

func TestPlaceEmptyPeerSet(t *testing.T) {
	if got := Place("k", nil, 4); got != nil {
		t.Fatalf("expected nil for empty peer set, got %v", got)
	}
}

func TestPlaceStabilityOnPeerRemoval(t *testing.T) {
	full := samplePeers(7)
	before := Place("stability-key", full, 4)

	reduced := full[:6]
	after := Place("stability-key", reduced, 4)

	changed := 0
	beforeSet := map[string]bool{}
	for _, p := range before {
		beforeSet[p.ID] = true
	}
	for _, p := range after {
		if !beforeSet[p.ID] {
			changed++
		}
	}
	// Removing one peer from seven should reassign a small minority of
	// placements for any single key; for one sample key this just
	// checks the bound isn't wildly violated (not a statistical proof).
	if changed > 2 {
		t.Fatalf("removing one peer changed %d of 4 placements, expected small reassignment", changed)
	}
}
