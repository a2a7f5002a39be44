// Package registry provides read-through cached access to the node and
// user registries backed by internal/db, per spec's single-writer
// invalidate-then-update contract: every mutation invalidates the affected
// key before writing the database, so a concurrent reader never observes a
// stale cache hit racing ahead of a write in flight.
package registry

import (
	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/cache"
	"github.com/dfs3/dfs3node/internal/db"
)

// NodeRegistry is a cached view over the nodes table.
type NodeRegistry struct {
	db    *db.Store
	cache *cache.Cache[string, db.NodeRow]
}

func NewNodeRegistry(store *db.Store, capacity int) *NodeRegistry {
	return &NodeRegistry{db: store, cache: cache.New[string, db.NodeRow](capacity, 0)}
}

// Get returns a node by id, served from cache when present.
func (r *NodeRegistry) Get(nodeID string) (db.NodeRow, bool) {
	if n, ok := r.cache.Get(nodeID); ok {
		return n, true
	}
	n, ok := r.db.GetNode(nodeID)
	if !ok {
		return db.NodeRow{}, false
	}
	r.cache.Put(nodeID, n)
	return n, true
}

// List always reads through to the database: a full dump is rare enough
// (operator/admin surfaces) that it isn't worth caching.
func (r *NodeRegistry) List() ([]db.NodeRow, error) {
	return r.db.ListNodes()
}

// Upsert applies a node_registered event: invalidate, write, let the next
// Get repopulate the cache.
func (r *NodeRegistry) Upsert(n db.NodeRow) error {
	r.cache.Invalidate(n.NodeID)
	return r.db.UpsertNode(n)
}

// UpdateStatus applies a node_status event.
func (r *NodeRegistry) UpdateStatus(nodeID, ip string, port int, uptime, totalSpace int64, at string) error {
	r.cache.Invalidate(nodeID)
	return r.db.UpdateNodeStatus(nodeID, ip, port, uptime, totalSpace, at)
}

// UserRegistry is a cached view over the users table.
type UserRegistry struct {
	db    *db.Store
	cache *cache.Cache[string, db.UserRow]
}

func NewUserRegistry(store *db.Store, capacity int) *UserRegistry {
	return &UserRegistry{db: store, cache: cache.New[string, db.UserRow](capacity, 0)}
}

// Get returns a user by id, served from cache when present.
func (r *UserRegistry) Get(userID string) (db.UserRow, bool) {
	if u, ok := r.cache.Get(userID); ok {
		return u, true
	}
	u, ok := r.db.GetUser(userID)
	if !ok {
		return db.UserRow{}, false
	}
	r.cache.Put(userID, u)
	return u, true
}

// Register inserts a brand-new user (user_registered). A user_id that is
// already registered yields a KindConflict error; InsertUser is also
// create-only (INSERT OR IGNORE), so an existing row is never overwritten.
func (r *UserRegistry) Register(u db.UserRow) error {
	if _, exists := r.Get(u.UserID); exists {
		return apperr.New(apperr.KindConflict, "user already registered: "+u.UserID)
	}
	r.cache.Invalidate(u.UserID)
	return r.db.InsertUser(u)
}

// RecordJoin applies a user_joined_node event: the user now also has
// presence on nodeID.
func (r *UserRegistry) RecordJoin(userID, nodeID, joinedAt string) error {
	return r.db.AddUserNode(userID, nodeID, joinedAt)
}

// Nodes returns every node_id userID has joined.
func (r *UserRegistry) Nodes(userID string) ([]string, error) {
	return r.db.GetUserNodes(userID)
}
