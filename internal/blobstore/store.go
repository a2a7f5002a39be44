// Package blobstore implements the content-addressed ciphertext store:
// file_id = hex(sha256(ciphertext)), write-once, integrity-checked on write.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dfs3/dfs3node/internal/apperr"
)

// Store persists ciphertext blobs under root, one file per content hash.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(fileID string) string {
	// Two-level fan-out avoids millions of entries in one directory.
	if len(fileID) < 4 {
		return filepath.Join(s.root, fileID)
	}
	return filepath.Join(s.root, fileID[:2], fileID[2:4], fileID)
}

// Root returns the store's backing directory, for callers that need to
// reuse the package-level Put against the same root this Store was opened
// with.
func (s *Store) Root() string {
	return s.root
}

// Exists reports whether fileID's blob is present locally.
func (s *Store) Exists(fileID string) bool {
	_, err := os.Stat(s.path(fileID))
	return err == nil
}

// Open returns a reader for fileID's ciphertext. The caller must Close it.
func (s *Store) Open(fileID string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindNotFound, "blob not found: "+fileID)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "open blob", err)
	}
	return f, nil
}

// Size returns the blob's size in bytes.
func (s *Store) Size(fileID string) (int64, error) {
	fi, err := os.Stat(s.path(fileID))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindNotFound, "stat blob", err)
	}
	return fi.Size(), nil
}

// Put stores ciphertext under its sha256 hash, verifying the caller's
// claimed fileID matches. Write-once: if the blob already exists, Put
// no-ops successfully rather than erroring (idempotent replication).
// Returns the computed file_id.
func Put(root string, ciphertext []byte, claimedFileID string) (string, error) {
	sum := sha256.Sum256(ciphertext)
	fileID := hex.EncodeToString(sum[:])
	if claimedFileID != "" && claimedFileID != fileID {
		return "", apperr.New(apperr.KindIntegrity, fmt.Sprintf("content hash mismatch: claimed %s, computed %s", claimedFileID, fileID))
	}
	s := New(root)
	if s.Exists(fileID) {
		return fileID, nil
	}
	if err := s.writeAtomic(fileID, ciphertext); err != nil {
		return "", err
	}
	return fileID, nil
}

func (s *Store) writeAtomic(fileID string, data []byte) error {
	p := s.path(fileID)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return apperr.Wrap(apperr.KindInternal, "mkdir blob dir", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write blob temp file", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindInternal, "rename blob into place", err)
	}
	return nil
}

// Delete removes fileID's blob, if present. Deleting a user's file entry
// does not call it; blobs stay in place.
func (s *Store) Delete(fileID string) error {
	err := os.Remove(s.path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, "delete blob", err)
	}
	return nil
}

// CreateTemp returns a handle to a temp file in the store's staging area,
// used by the fetch engine's proxy-while-store path: data is streamed into
// it as it arrives, and it is renamed into place only once the full
// ciphertext's hash has been verified.
func (s *Store) CreateTemp() (*os.File, string, error) {
	dir := filepath.Join(s.root, ".tmp")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "mkdir staging dir", err)
	}
	f, err := os.CreateTemp(dir, "fetch-*")
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "create staging file", err)
	}
	return f, f.Name(), nil
}

// CommitTemp verifies tempPath's content against fileID and renames it into
// the store, or deletes it on a hash mismatch.
func (s *Store) CommitTemp(tempPath, fileID string) error {
	data, err := os.ReadFile(tempPath)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read staged blob", err)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != fileID {
		os.Remove(tempPath)
		return apperr.New(apperr.KindIntegrity, fmt.Sprintf("staged blob hash mismatch: claimed %s, computed %s", fileID, got))
	}
	p := s.path(fileID)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		os.Remove(tempPath)
		return apperr.Wrap(apperr.KindInternal, "mkdir blob dir", err)
	}
	if err := os.Rename(tempPath, p); err != nil {
		os.Remove(tempPath)
		return apperr.Wrap(apperr.KindInternal, "rename staged blob into place", err)
	}
	return nil
}

// AbortTemp deletes a staged-but-failed fetch.
func (s *Store) AbortTemp(tempPath string) {
	os.Remove(tempPath)
}
