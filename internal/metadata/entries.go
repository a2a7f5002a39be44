package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/db"
)

// entryBackend abstracts how a (user_id, filename) -> file_id mapping is
// realized, so Entries can fall back from hard links to a database
// indirection table transparently and permanently once link(2) has been
// observed to fail on this filesystem.
type entryBackend interface {
	link(userID, filename, metaPath string) error
	unlink(userID, filename string) error
	resolve(userID, filename string) (string, bool)
	list(userID string) (map[string]string, error)
}

// Entries realizes the per-user virtual filename namespace over the shared
// metadata store: one hard link per (user_id, filename), so a user's
// directory listing is their file list and reading an entry returns the
// metadata document it points at.
type Entries struct {
	usersRoot string
	metaRoot  string
	db        *db.Store

	mu          sync.Mutex
	hardlinksOK bool
	backend     entryBackend
}

func NewEntries(usersRoot, metaRoot string, store *db.Store) *Entries {
	e := &Entries{usersRoot: usersRoot, metaRoot: metaRoot, db: store, hardlinksOK: true}
	e.backend = &hardlinkBackend{usersRoot: usersRoot, metaRoot: metaRoot}
	return e
}

func (e *Entries) userDir(userID string) string {
	return filepath.Join(e.usersRoot, userID)
}

// entryPath resolves filename within userID's directory and rejects any
// path that would escape it (traversal prevention).
func (e *Entries) entryPath(userID, filename string) (string, error) {
	dir := e.userDir(userID)
	p := filepath.Join(dir, filename)
	cleanDir, err := filepath.Abs(dir)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "resolve user directory", err)
	}
	cleanPath, err := filepath.Abs(p)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "resolve entry path", err)
	}
	if cleanPath != cleanDir && !strings.HasPrefix(cleanPath, cleanDir+string(filepath.Separator)) {
		return "", apperr.New(apperr.KindValidation, "entry path escapes user directory: "+filename)
	}
	return cleanPath, nil
}

// uniqueName returns filename, or a collision-renamed variant
// " (N)" inserted before the extension, starting at N=1, the first name
// for which exists returns false.
func uniqueName(filename string, exists func(string) bool) string {
	if !exists(filename) {
		return filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func (e *Entries) exists(userID string) func(string) bool {
	return func(filename string) bool {
		_, ok := e.Resolve(userID, filename)
		return ok
	}
}

// Create links filename (collision-renamed if occupied) in userID's
// namespace to fileID's metadata document. Returns the name actually used.
func (e *Entries) Create(userID, fileID, filename string) (string, error) {
	name := uniqueName(filename, e.exists(userID))
	if _, err := e.entryPath(userID, name); err != nil {
		return "", err
	}
	if err := e.linkLocked(userID, name, fileID); err != nil {
		return "", err
	}
	return name, nil
}

func (e *Entries) linkLocked(userID, filename, fileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hardlinksOK {
		return e.backend.link(userID, filename, fileID)
	}
	err := e.backend.link(userID, filename, e.metaPath(fileID))
	if err == nil {
		return nil
	}
	if !isUnsupportedLink(err) {
		return apperr.Wrap(apperr.KindInternal, "create entry link", err)
	}
	e.fallBackLocked()
	return e.backend.link(userID, filename, fileID)
}

func (e *Entries) metaPath(fileID string) string {
	return filepath.Join(e.metaRoot, fileID+".json")
}

// fallBackLocked permanently switches this Entries to the database
// indirection backend. Called once, on the first observed hard-link
// failure; never switches back, since a filesystem's link support doesn't
// change at runtime.
func (e *Entries) fallBackLocked() {
	e.hardlinksOK = false
	e.backend = &dbBackend{store: e.db}
}

func isUnsupportedLink(err error) bool {
	return errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, errors.ErrUnsupported)
}

// Resolve returns the file_id filename in userID's namespace points at.
func (e *Entries) Resolve(userID, filename string) (string, bool) {
	e.mu.Lock()
	backend := e.backend
	e.mu.Unlock()
	return backend.resolve(userID, filename)
}

// Rename moves an entry to a new (collision-renamed) name within the same
// user's namespace. Returns the name actually used.
func (e *Entries) Rename(userID, oldName, newName string) (string, error) {
	fileID, ok := e.Resolve(userID, oldName)
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "entry not found: "+oldName)
	}
	name := uniqueName(newName, e.exists(userID))
	if err := e.Unlink(userID, oldName); err != nil {
		return "", err
	}
	if err := e.linkLocked(userID, name, fileID); err != nil {
		return "", err
	}
	return name, nil
}

// Unlink removes filename from userID's namespace. The metadata document
// and other users' entries are untouched.
func (e *Entries) Unlink(userID, filename string) error {
	e.mu.Lock()
	backend := e.backend
	e.mu.Unlock()
	return backend.unlink(userID, filename)
}

// List returns every (filename -> file_id) entry for userID.
func (e *Entries) List(userID string) (map[string]string, error) {
	e.mu.Lock()
	backend := e.backend
	e.mu.Unlock()
	return backend.list(userID)
}

// ─── Hard-link backend ──────────────────────────────────────────────────

type hardlinkBackend struct {
	usersRoot string
	metaRoot  string
}

func (b *hardlinkBackend) userDir(userID string) string {
	return filepath.Join(b.usersRoot, userID)
}

func (b *hardlinkBackend) link(userID, filename, metaPath string) error {
	dir := b.userDir(userID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.Link(metaPath, filepath.Join(dir, filename))
}

func (b *hardlinkBackend) unlink(userID, filename string) error {
	err := os.Remove(filepath.Join(b.userDir(userID), filename))
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, "unlink entry", err)
	}
	return nil
}

func (b *hardlinkBackend) resolve(userID, filename string) (string, bool) {
	p := filepath.Join(b.userDir(userID), filename)
	data, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	fileID := extractFileID(data)
	return fileID, fileID != ""
}

func (b *hardlinkBackend) list(userID string) (map[string]string, error) {
	dir := b.userDir(userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "list user directory", err)
	}
	out := map[string]string{}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}
		if fileID := extractFileID(data); fileID != "" {
			out[ent.Name()] = fileID
		}
	}
	return out, nil
}

// extractFileID pulls file_id out of a metadata document.
func extractFileID(data []byte) string {
	var doc struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.FileID
}

// ─── Database indirection backend (hard-link fallback) ─────────────────

type dbBackend struct {
	store *db.Store
}

func (b *dbBackend) link(userID, filename, fileIDOrMetaPath string) error {
	// On this path the caller passes the bare file_id, not a metadata path
	// (see Entries.linkLocked's fallback branch).
	return b.store.PutFileEntry(userID, filename, fileIDOrMetaPath)
}

func (b *dbBackend) unlink(userID, filename string) error {
	return b.store.DeleteFileEntry(userID, filename)
}

func (b *dbBackend) resolve(userID, filename string) (string, bool) {
	return b.store.GetFileEntry(userID, filename)
}

func (b *dbBackend) list(userID string) (map[string]string, error) {
	return b.store.ListFileEntries(userID)
}
