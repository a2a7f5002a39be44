package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfs3/dfs3node/internal/apperr"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPutStoresUnderContentHash(t *testing.T) {
	root := t.TempDir()
	data := []byte("ciphertext bytes")

	fileID, err := Put(root, data, "")
	require.NoError(t, err)
	assert.Equal(t, hashOf(data), fileID)

	s := New(root)
	assert.True(t, s.Exists(fileID))

	r, err := s.Open(fileID)
	require.NoError(t, err)
	defer r.Close()
}

func TestPutRejectsClaimedFileIDMismatch(t *testing.T) {
	root := t.TempDir()
	_, err := Put(root, []byte("data"), "not-the-real-hash")
	require.Error(t, err)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
}

func TestPutIsIdempotentOnExistingBlob(t *testing.T) {
	root := t.TempDir()
	data := []byte("same content")

	id1, err := Put(root, data, "")
	require.NoError(t, err)
	id2, err := Put(root, data, "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestOpenMissingBlobReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Open("0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSizeReturnsBlobLength(t *testing.T) {
	root := t.TempDir()
	data := []byte("twelve bytes")
	fileID, err := Put(root, data, "")
	require.NoError(t, err)

	s := New(root)
	n, err := s.Size(fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
}

func TestDeleteRemovesBlobAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	fileID, err := Put(root, []byte("to delete"), "")
	require.NoError(t, err)

	s := New(root)
	require.NoError(t, s.Delete(fileID))
	assert.False(t, s.Exists(fileID))

	// Deleting an already-gone blob is not an error.
	require.NoError(t, s.Delete(fileID))
}

func TestCreateTempCommitTempRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("streamed ciphertext")

	f, tempPath, err := s.CreateTemp()
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fileID := hashOf(data)
	require.NoError(t, s.CommitTemp(tempPath, fileID))

	assert.True(t, s.Exists(fileID))
	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err), "staged file should be renamed out of the staging dir")
}

func TestCommitTempRejectsHashMismatchAndCleansUp(t *testing.T) {
	s := New(t.TempDir())
	f, tempPath, err := s.CreateTemp()
	require.NoError(t, err)
	_, err = f.Write([]byte("tampered content"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = s.CommitTemp(tempPath, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))

	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err), "a failed commit must remove the staged file")
}

func TestAbortTempRemovesStagedFile(t *testing.T) {
	s := New(t.TempDir())
	_, tempPath, err := s.CreateTemp()
	require.NoError(t, err)

	s.AbortTemp(tempPath)
	_, err = os.Stat(tempPath)
	assert.True(t, os.IsNotExist(err))
}
