package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntries(t *testing.T) (*Entries, *Store) {
	t.Helper()
	root := t.TempDir()
	metaRoot := filepath.Join(root, "meta")
	usersRoot := filepath.Join(root, "users")
	store := NewStore(metaRoot, 4)
	e := NewEntries(usersRoot, metaRoot, nil)
	return e, store
}

func TestEntriesCreateResolveAndList(t *testing.T) {
	e, store := newTestEntries(t)
	require.NoError(t, store.Create(FileMetadata{FileID: "file-1", OwnerID: "user-1"}))

	name, err := e.Create("user-1", "file-1", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	fileID, ok := e.Resolve("user-1", "report.pdf")
	require.True(t, ok)
	assert.Equal(t, "file-1", fileID)

	list, err := e.List("user-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"report.pdf": "file-1"}, list)
}

func TestEntriesCreateRenamesOnCollision(t *testing.T) {
	e, store := newTestEntries(t)
	require.NoError(t, store.Create(FileMetadata{FileID: "file-1"}))
	require.NoError(t, store.Create(FileMetadata{FileID: "file-2"}))

	_, err := e.Create("user-1", "file-1", "report.pdf")
	require.NoError(t, err)

	name, err := e.Create("user-1", "file-2", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report (1).pdf", name)
}

func TestEntriesRenameMovesToNewName(t *testing.T) {
	e, store := newTestEntries(t)
	require.NoError(t, store.Create(FileMetadata{FileID: "file-1"}))
	_, err := e.Create("user-1", "file-1", "old.txt")
	require.NoError(t, err)

	newName, err := e.Rename("user-1", "old.txt", "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", newName)

	_, ok := e.Resolve("user-1", "old.txt")
	assert.False(t, ok)
	fileID, ok := e.Resolve("user-1", "new.txt")
	require.True(t, ok)
	assert.Equal(t, "file-1", fileID)
}

func TestEntriesRenameMissingSourceFails(t *testing.T) {
	e, _ := newTestEntries(t)
	_, err := e.Rename("user-1", "missing.txt", "new.txt")
	require.Error(t, err)
}

func TestEntriesUnlinkRemovesEntryButKeepsOthersUsers(t *testing.T) {
	e, store := newTestEntries(t)
	require.NoError(t, store.Create(FileMetadata{FileID: "file-1"}))
	_, err := e.Create("user-1", "file-1", "shared.txt")
	require.NoError(t, err)
	_, err = e.Create("user-2", "file-1", "shared.txt")
	require.NoError(t, err)

	require.NoError(t, e.Unlink("user-1", "shared.txt"))
	_, ok := e.Resolve("user-1", "shared.txt")
	assert.False(t, ok)

	fileID, ok := e.Resolve("user-2", "shared.txt")
	require.True(t, ok)
	assert.Equal(t, "file-1", fileID)
}

func TestEntriesResolveMissingReturnsFalse(t *testing.T) {
	e, _ := newTestEntries(t)
	_, ok := e.Resolve("user-1", "nope.txt")
	assert.False(t, ok)
}

func TestEntryPathRejectsTraversal(t *testing.T) {
	e, _ := newTestEntries(t)
	_, err := e.entryPath("user-1", "../../etc/passwd")
	require.Error(t, err)
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{"a.txt": true, "a (1).txt": true}
	exists := func(name string) bool { return taken[name] }

	assert.Equal(t, "b.txt", uniqueName("b.txt", exists))
	assert.Equal(t, "a (2).txt", uniqueName("a.txt", exists))
}
