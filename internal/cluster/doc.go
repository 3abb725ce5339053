// Package cluster implements authenticated gossip membership: each node
// advertises itself to its peers on a fixed interval with an
// HMAC-signed heartbeat, and every node maintains its own live peer
// table built purely from the heartbeats it has verified.
//
// There is no coordinator in this membership model — it is fully
// peer-to-peer. A node's view of "the cluster" is whatever is in its
// own Table at the moment it is read. Peers that stop heartbeating are
// marked suspect and, after the eviction window elapses, dropped
// entirely.
//
// # Liveness state machine
//
//	(unknown) --verified heartbeat--> live
//	live --no heartbeat for liveness window--> suspect
//	suspect --heartbeat resumes--> live
//	suspect --no heartbeat for eviction window--> (removed)
//
// Suspect peers are excluded from new placement decisions (see
// internal/placement) but remain valid read targets for shards already
// mapped to them, since the shard map predates the suspicion.
package cluster
