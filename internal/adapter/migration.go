package adapter

// This file documents and tests the invariant spec.md §4.H depends on for
// safe pool-size migration: every node always listens on the full
// advertised pool_size (see New's receiver loop) but only ever sends on
// broadcast_pool_size, and broadcast_pool_size must never exceed
// pool_size for the lifetime of a single node.
//
// Growing a pool P -> Q safely:
//   1. Redeploy every node with pool_size=Q, broadcast_pool_size=P.
//      Nodes now listen on 0..Q-1 but still only send on 0..P-1, so a mix
//      of old (pool_size=P) and new (pool_size=Q) nodes can coexist: both
//      send on 0..P-1, which every node — old or new — already listens on.
//   2. Once every node has redeployed, redeploy again with
//      broadcast_pool_size=Q. Shrinking is the mirror image.
//
// ValidPoolSizes reports whether (poolSize, broadcastPoolSize) satisfies
// the §4.H invariant; New rejects configurations that fail it.
func ValidPoolSizes(poolSize, broadcastPoolSize int) bool {
	return poolSize >= 1 && broadcastPoolSize >= 1 && broadcastPoolSize <= poolSize
}
