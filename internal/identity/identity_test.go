package identity

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrMintCreatesAndPersistsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrMint(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, id.NodeID)
	assert.Len(t, id.PublicKey, 32)

	// A second call against the same path loads the minted identity back
	// instead of minting a new one.
	id2, err := LoadOrMint(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, id.NodeID, id2.NodeID)
	assert.Equal(t, id.PrivateKey, id2.PrivateKey)
}

func TestLoadOrMintRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	_, err := LoadOrMint(path, "right passphrase")
	require.NoError(t, err)

	_, err = LoadOrMint(path, "wrong passphrase")
	require.Error(t, err)
}

func TestMintedPrivateKeyMatchesPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	id, err := LoadOrMint(path, "pass")
	require.NoError(t, err)

	sig := ed25519.Sign(id.PrivateKey, []byte("message"))
	assert.True(t, ed25519.Verify(id.PublicKey, []byte("message"), sig))
	assert.True(t, id.PublicKey.Equal(id.PrivateKey.Public()))
}
