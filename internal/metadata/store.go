// Package metadata manages the one-JSON-document-per-file_id metadata
// store and the per-user virtual filename namespace layered over it.
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/cache"
	"github.com/dfs3/dfs3node/internal/event"
)

// FileMetadata is the single record of truth for one file_id, shared by
// every user entry that links to it.
type FileMetadata struct {
	FileID          string                      `json:"file_id"`
	OwnerID         string                      `json:"owner_id"`
	Size            int64                       `json:"size"`
	Mimetype        string                      `json:"mimetype"`
	SHA256          string                      `json:"sha256"`
	IV              string                      `json:"iv"`
	AuthorizedUsers []event.AuthorizedUserEntry `json:"authorized_users"`
	ReplicaNodes    []string                    `json:"replica_nodes"`
	CreatedAt       string                      `json:"created_at"`
}

// Store persists FileMetadata documents under root, one file per file_id,
// with an LRU read cache in front of disk (mirrors the teacher's
// cached-dictionary pattern over the uniform cache contract).
type Store struct {
	root  string
	cache *cache.Cache[string, FileMetadata]
	mu    sync.Mutex // serializes read-merge-write on a single file_id
}

func NewStore(root string, cacheCapacity int) *Store {
	return &Store{root: root, cache: cache.New[string, FileMetadata](cacheCapacity, 0)}
}

func (s *Store) path(fileID string) string {
	return filepath.Join(s.root, fileID+".json")
}

// Create writes a brand-new metadata document. If one already exists for
// this file_id it is left untouched and Create returns nil, so a replayed
// or duplicate file_created is treated as already applied.
func (s *Store) Create(fm FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(fm.FileID)); err == nil {
		return nil // idempotent: already exists, treat as already-applied
	}
	return s.writeLocked(fm)
}

// Get returns fileID's metadata, reading through the cache to disk.
func (s *Store) Get(fileID string) (FileMetadata, error) {
	return s.cache.GetOrLoad(fileID, func() (FileMetadata, error) {
		return s.readFromDisk(fileID)
	})
}

func (s *Store) readFromDisk(fileID string) (FileMetadata, error) {
	data, err := os.ReadFile(s.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return FileMetadata{}, apperr.New(apperr.KindNotFound, "metadata not found: "+fileID)
		}
		return FileMetadata{}, apperr.Wrap(apperr.KindInternal, "read metadata", err)
	}
	var fm FileMetadata
	if err := json.Unmarshal(data, &fm); err != nil {
		return FileMetadata{}, apperr.Wrap(apperr.KindInternal, "unmarshal metadata", err)
	}
	return fm, nil
}

func (s *Store) writeLocked(fm FileMetadata) error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return apperr.Wrap(apperr.KindInternal, "mkdir metadata dir", err)
	}
	data, err := json.Marshal(fm)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal metadata", err)
	}
	p := s.path(fm.FileID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write metadata temp file", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindInternal, "rename metadata into place", err)
	}
	s.cache.Put(fm.FileID, fm)
	return nil
}

// Mutate performs a read-merge-write on fileID's metadata under a lock
// scoped to this Store, matching spec's "concurrent writers to the same
// file_id metadata must serialize: read current, merge, write atomically".
// fn receives the current document and returns the updated one.
func (s *Store) Mutate(fileID string, fn func(FileMetadata) (FileMetadata, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.readFromDisk(fileID)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return s.writeLocked(next)
}

// MergeAuthorizedUsers applies file_shared semantics: merge additions into
// the existing set keyed by user_id, last write wins per key.
func (s *Store) MergeAuthorizedUsers(fileID string, additions []event.AuthorizedUserEntry) error {
	return s.Mutate(fileID, func(fm FileMetadata) (FileMetadata, error) {
		byUser := make(map[string]event.AuthorizedUserEntry, len(fm.AuthorizedUsers)+len(additions))
		for _, au := range fm.AuthorizedUsers {
			byUser[au.UserID] = au
		}
		for _, au := range additions {
			byUser[au.UserID] = au
		}
		fm.AuthorizedUsers = fm.AuthorizedUsers[:0]
		for _, au := range byUser {
			fm.AuthorizedUsers = append(fm.AuthorizedUsers, au)
		}
		return fm, nil
	})
}

// AddReplica applies file_replicated semantics: add nodeID to replica_nodes
// if not already present.
func (s *Store) AddReplica(fileID, nodeID string) error {
	return s.Mutate(fileID, func(fm FileMetadata) (FileMetadata, error) {
		for _, n := range fm.ReplicaNodes {
			if n == nodeID {
				return fm, nil
			}
		}
		fm.ReplicaNodes = append(fm.ReplicaNodes, nodeID)
		return fm, nil
	})
}

// IsAuthorized reports whether userID appears in fileID's authorized_users.
func (s *Store) IsAuthorized(fileID, userID string) (bool, event.AuthorizedUserEntry, error) {
	fm, err := s.Get(fileID)
	if err != nil {
		return false, event.AuthorizedUserEntry{}, err
	}
	for _, au := range fm.AuthorizedUsers {
		if au.UserID == userID {
			return true, au, nil
		}
	}
	return false, event.AuthorizedUserEntry{}, nil
}
