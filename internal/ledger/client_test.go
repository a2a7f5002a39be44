package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/event"
)

func testEnvelope(t *testing.T) (*event.Envelope, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	b := event.NewBuilder(hex.EncodeToString(pub), priv)
	env, err := b.NodeStatus(event.NodeStatusPayload{Port: 8000})
	require.NoError(t, err)
	return env, pub, priv
}

func TestPublishSendsTaggedBlockAndReturnsBlockID(t *testing.T) {
	env, _, _ := testEnvelope(t)

	var captured taggedBlock
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(publishResponse{BlockID: "block-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil, false)
	blockID, err := c.Publish(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "block-123", blockID)

	assert.Equal(t, protocolVersion, captured.ProtocolVersion)
	assert.Equal(t, blockType, captured.Payload.Type)
	assert.Equal(t, "0x"+hex.EncodeToString([]byte(tag)), captured.Payload.Tag)

	rawData, err := hex.DecodeString(captured.Payload.Data[2:])
	require.NoError(t, err)
	var gotEnv event.Envelope
	require.NoError(t, json.Unmarshal(rawData, &gotEnv))
	assert.Equal(t, env.EventType, gotEnv.EventType)
	assert.Equal(t, env.NodeID, gotEnv.NodeID)
}

func TestPublishSurfacesNonSuccessStatus(t *testing.T) {
	env, _, _ := testEnvelope(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil, false)
	_, err := c.Publish(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestFetchDecodesTaggedBlockBackToEnvelope(t *testing.T) {
	env, _, _ := testEnvelope(t)
	envJSON, err := json.Marshal(env)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		block := struct {
			Payload blockPayload `json:"payload"`
		}{
			Payload: blockPayload{
				Type: blockType,
				Tag:  "0x" + hex.EncodeToString([]byte(tag)),
				Data: "0x" + hex.EncodeToString(envJSON),
			},
		}
		_ = json.NewEncoder(w).Encode(block)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil, false)
	got, err := c.Fetch(context.Background(), "block-123")
	require.NoError(t, err)
	assert.Equal(t, env.EventType, got.EventType)
	assert.Equal(t, env.NodeID, got.NodeID)
	assert.Equal(t, env.Signature, got.Signature)
}

func TestFetchRejectsWrongBlockType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		block := struct {
			Payload blockPayload `json:"payload"`
		}{Payload: blockPayload{Type: 0}}
		_ = json.NewEncoder(w).Encode(block)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil, false)
	_, err := c.Fetch(context.Background(), "block-123")
	require.Error(t, err)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
}

func TestFetchRejectsMissingBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil, false)
	_, err := c.Fetch(context.Background(), "block-123")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// TestMaybeSignProducesVerifiableSignature exercises the HTTP-signature
// round trip: a signed request's Signature header must verify against the
// node's own Ed25519 public key under the Ed25519 algorithm go-fed/httpsig
// reports back.
func TestMaybeSignProducesVerifiableSignature(t *testing.T) {
	env, pub, priv := testEnvelope(t)

	var verifyErr error
	var sawSignature bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSignature = r.Header.Get("Signature") != ""
		verifier, err := httpsig.NewVerifier(r)
		require.NoError(t, err)
		verifyErr = verifier.Verify(pub, httpsig.ED25519)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(publishResponse{BlockID: "block-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "node-1#ledger", priv, true)
	_, err := c.Publish(context.Background(), env)
	require.NoError(t, err)

	assert.True(t, sawSignature, "a signing client must set the Signature header")
	assert.NoError(t, verifyErr, "signature must verify against the signer's own public key")
}

func TestMaybeSignSkippedWhenSignDisabled(t *testing.T) {
	env, _, priv := testEnvelope(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Signature"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(publishResponse{BlockID: "block-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "node-1#ledger", priv, false)
	_, err := c.Publish(context.Background(), env)
	require.NoError(t, err)
}
