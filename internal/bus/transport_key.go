package bus

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/hkdf"
)

// deriveTransportKey returns the hex-encoded secp256k1 private key used to
// sign the relay transport event carrying announcements for this node. It
// is derived from the node's Ed25519 seed via
// HKDF-SHA256(ikm=seed, salt=nil, info="dfs3-bus-transport:"+node_id), the
// same domain-separated-derivation technique used elsewhere in this
// codebase for per-purpose derived keys, so a leaked transport key can
// never be used to recover the domain signing key (HKDF is one-way) and a
// transport key is never reused across nodes or purposes.
func deriveTransportKey(ed25519Seed []byte, nodeID string) string {
	r := hkdf.New(sha256.New, ed25519Seed, nil, []byte("dfs3-bus-transport:"+nodeID))
	var derived [32]byte
	if _, err := io.ReadFull(r, derived[:]); err != nil {
		panic("bus: hkdf read failed: " + err.Error())
	}
	return hex.EncodeToString(derived[:])
}

// transportPublicKey returns the secp256k1 public key corresponding to a
// derived transport private key.
func transportPublicKey(privHex string) (string, error) {
	return nostr.GetPublicKey(privHex)
}

// seedFromEd25519 extracts the 32-byte seed backing an Ed25519 private key,
// the actual entropy HKDF is keyed on.
func seedFromEd25519(priv ed25519.PrivateKey) []byte {
	return priv.Seed()
}
